package metrics

import (
	"context"
	"log/slog"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/BiniyamTT/mpesa-api/internal/aws"
)

const cloudWatchTimeout = 2 * time.Second

// CloudWatch publishes one count datum per event. Errors are logged and dropped.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	log       *slog.Logger
	nowFunc   func() time.Time
}

func NewCloudWatch(client aws.CloudWatchAPI, namespace string, log *slog.Logger) *CloudWatch {
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		log:       log,
		nowFunc:   time.Now,
	}
}

func (c *CloudWatch) TokenCacheHit() { c.put("TokenCacheHit", nil) }

func (c *CloudWatch) TokenFetched(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	c.put("TokenFetch", map[string]string{"Result": result})
}

func (c *CloudWatch) PaymentSubmitted(status string) {
	c.put("PaymentSubmitted", map[string]string{"Status": status})
}

func (c *CloudWatch) CallbackReconciled(outcome string) {
	c.put("CallbackReconciled", map[string]string{"Outcome": outcome})
}

func (c *CloudWatch) put(name string, dims map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: sdkaws.String(name),
		Value:      sdkaws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  sdkaws.Time(c.nowFunc()),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  sdkaws.String(k),
			Value: sdkaws.String(v),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cloudWatchTimeout)
	defer cancel()
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		c.log.Warn("cloudwatch put metric failed", "metric", name, "error", err)
	}
}
