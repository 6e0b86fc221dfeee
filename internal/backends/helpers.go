package backends

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"

	"credlayer/internal/backends/bolt"
	"credlayer/internal/backends/ddb"
	"credlayer/internal/backends/memory"
	"credlayer/internal/ports"
	"credlayer/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	redisbackend "credlayer/internal/backends/redis"
)

const (
	DDBEndpointKey = "DDB_ENDPOINT"
	DDBTableKey    = "DDB_TABLE"

	RedisHost   = "REDIS_HOST"
	RedisPort   = "REDIS_PORT"
	RedisUser   = "REDIS_USER"
	RedisPass   = "REDIS_PASS"
	RedisTLS    = "REDIS_SSL"
	RedisCAFile = "REDIS_CA_FILE"
	RedisDBNum  = "REDIS_DB_NUM"

	defaultDDBTable = "credlayer_blobs"
)

// BlobStoreFromConfig constructs the durable storage selected by cfg.Backend.
// Connection details of the redis and ddb backends come from environment variables, the same way
// the AWS SDK reads its own. When the selected backend cannot be reached, the error wraps
// types.ErrStorageUnavailable; callers may fall back to Unavailable and keep running in memory.
func BlobStoreFromConfig(ctx context.Context, cfg types.StorageConfig) (ports.BlobStore, error) {
	switch cfg.Backend {
	case types.BackendMemory, "":
		return memory.NewBlobStore(), nil

	case types.BackendFile:
		store, err := bolt.Open(cfg.Path, "")
		if err != nil {
			return nil, err
		}
		return store, nil

	case types.BackendRedis:
		redisClient, err := redisClientFromEnv(ctx)
		if err != nil {
			return nil, types.Err(types.ErrStorageUnavailable, err, "")
		}
		return redisbackend.NewBlobStore(redisClient), nil

	case types.BackendDDB:
		ddbClient, err := ddbClientFromEnv(ctx)
		if err != nil {
			return nil, types.Err(types.ErrStorageUnavailable, err, "")
		}
		store, err := ddb.NewBlobStore(ctx, getenv(DDBTableKey, defaultDDBTable), ddbClient)
		if err != nil {
			return nil, err
		}
		return store, nil

	case types.BackendNone:
		log.Warn("durable storage disabled; credentials can not be persisted")
		return Unavailable{}, nil

	default:
		return nil, types.Err(types.ErrInvalidBackend, nil, "backend %q", cfg.Backend)
	}
}

// AWSConfigFromEnv loads the default AWS config shared by every AWS client of the process.
func AWSConfigFromEnv(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

// LocalEndpointCredentials are the static credentials used against local AWS mocks.
func LocalEndpointCredentials() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(
		getenv("AWS_ACCESS_KEY_ID", "x"),
		getenv("AWS_SECRET_ACCESS_KEY", "x"),
		"",
	)
}

// ddbClientFromEnv creates a DynamoDB client from environment variables, if any.
func ddbClientFromEnv(ctx context.Context) (*dynamodb.Client, error) {
	var ddbEndpoint *string
	if de := os.Getenv(DDBEndpointKey); de != "" {
		ddbEndpoint = aws.String(de)
	}

	awsCfg, err := AWSConfigFromEnv(ctx)
	if err != nil {
		return nil, err
	}

	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if ddbEndpoint != nil {
			o.BaseEndpoint = ddbEndpoint
			o.Region = getenv("AWS_REGION", "us-east-1")
			o.Credentials = LocalEndpointCredentials()
		}
	})
	return ddbClient, nil
}

// redisClientFromEnv creates a Redis client from environment variables, if any, and pings it.
func redisClientFromEnv(ctx context.Context) (*redis.Client, error) {
	host := getenv(RedisHost, "localhost")
	port := getenv(RedisPort, "6379")
	user := os.Getenv(RedisUser)
	pass := os.Getenv(RedisPass)
	tlsEnabled := parseBoolean(getenv(RedisTLS, "false"))
	dbNum, err := strconv.Atoi(getenv(RedisDBNum, "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid Redis DB number: %w", err)
	}

	var tlsConfig *tls.Config
	if tlsEnabled {
		tlsConfig, err = redisTLSConfig(os.Getenv(RedisCAFile))
		if err != nil {
			return nil, err
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:      fmt.Sprintf("%s:%s", host, port),
		Username:  user,
		Password:  pass,
		DB:        dbNum,
		TLSConfig: tlsConfig,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return redisClient, nil
}

// redisTLSConfig trusts the system roots plus, when caFile is set, the PEM certificates in it.
func redisTLSConfig(caFile string) (*tls.Config, error) {
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA file: %w", err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", caFile)
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
	}, nil
}

// getenv retrieves the value of the environment variable named by the key.
func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func parseBoolean(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}
