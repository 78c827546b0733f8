package ratelimit

import (
	"context"

	"go.uber.org/zap"
)

type platformRate struct {
	rate  float64
	burst int
}

// Per platform publish rates shared across all workers. These are our own
// ceilings, kept below the platforms' published limits.
var publishRates = map[string]platformRate{
	"twitter":   {rate: 1, burst: 5},
	"linkedin":  {rate: 0.5, burst: 3},
	"facebook":  {rate: 1, burst: 5},
	"instagram": {rate: 0.25, burst: 2},
}

var defaultPublishRate = platformRate{rate: 0.5, burst: 2}

// PublishPacer throttles outbound publishes per platform across all worker
// instances. Without Redis it admits everything.
type PublishPacer struct {
	bucket *TokenBucket
	log    *zap.Logger
}

func NewPublishPacer(bucket *TokenBucket, log *zap.Logger) *PublishPacer {
	if bucket == nil {
		return nil
	}
	return &PublishPacer{
		bucket: bucket,
		log:    log.Named("ratelimit.pacer"),
	}
}

func (p *PublishPacer) Allow(ctx context.Context, platform string) (bool, error) {
	if p == nil || p.bucket == nil {
		return true, nil
	}
	limits, ok := publishRates[platform]
	if !ok {
		limits = defaultPublishRate
	}

	result, err := p.bucket.Allow(ctx, "publica:pace:"+platform, limits.rate, limits.burst)
	if err != nil {
		return true, err
	}
	if !result.Allowed {
		p.log.Debug("platform pacing engaged",
			zap.String("platform", platform),
			zap.Duration("retry_after", result.RetryAfter),
		)
	}
	return result.Allowed, nil
}
