package app

import (
	"context"
	"errors"
	"os"

	"credlayer/internal/backends"
	"credlayer/internal/ports"
	"credlayer/internal/pub"
	"credlayer/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	log "github.com/sirupsen/logrus"
)

const SNSEndpointKey = "SNS_ENDPOINT"

// setupStore builds the configured backend. An unreachable backend is not fatal: the process keeps
// serving with in-memory credentials and persistence reports storage as unavailable.
func setupStore(ctx context.Context, cfg types.StorageConfig) (ports.BlobStore, error) {
	store, err := backends.BlobStoreFromConfig(ctx, cfg)
	if err != nil {
		if errors.Is(err, types.ErrStorageUnavailable) {
			log.WithError(err).WithField("backend", cfg.Backend).Warn("durable storage unavailable; continuing without persistence")
			return backends.Unavailable{}, nil
		}
		return nil, err
	}
	log.WithField("backend", cfg.Backend).Info("durable storage ready")
	return store, nil
}

func setupPublisher(ctx context.Context) (ports.Publisher, error) {
	awsCfg, err := backends.AWSConfigFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	var snsEndpoint *string
	if se := os.Getenv(SNSEndpointKey); se != "" {
		snsEndpoint = aws.String(se)
	}
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if snsEndpoint != nil {
			o.BaseEndpoint = snsEndpoint
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = backends.LocalEndpointCredentials()
		}
	})
	return pub.NewSNS(snsClient), nil
}
