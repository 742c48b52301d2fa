package state

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultStateName is the row or key used when the location names none.
const DefaultStateName = "default"

// OpenOptions carries what some backends need beyond their location.
type OpenOptions struct {
	// AWS is used by s3:// locations.
	AWS *aws.Config
	// LockTimeout bounds how long file and bolt backends wait for the lock.
	LockTimeout time.Duration
}

// Open returns the backend for a state location:
//
//	./slugger.tfstate.json              local file
//	file:///var/lib/slugger/state.json  local file
//	bolt:///var/lib/slugger/state.db    bbolt database
//	postgres://user@host/db?state=dev   postgres row, optional table=
//	s3://bucket/key?lock_table=locks    S3 object, DynamoDB lock
//	mem://                              process memory
func Open(ctx context.Context, location string, opts OpenOptions) (Backend, error) {
	if !strings.Contains(location, "://") {
		return NewFileBackend(location, opts.LockTimeout), nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid state location %q: %w", location, err)
	}

	switch u.Scheme {
	case "file":
		return NewFileBackend(hostPath(u), opts.LockTimeout), nil
	case "bolt":
		return NewBoltBackend(hostPath(u), opts.LockTimeout), nil
	case "mem", "memory":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		q := u.Query()
		name := valueOr(q.Get("state"), DefaultStateName)
		table := valueOr(q.Get("table"), "slugger_state")
		q.Del("state")
		q.Del("table")
		u.RawQuery = q.Encode()
		return NewPostgresBackend(ctx, u.String(), table, name)
	case "s3":
		if opts.AWS == nil {
			return nil, fmt.Errorf("state location %s needs AWS configuration", location)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("state location %s needs a bucket and a key", location)
		}
		lockTable := u.Query().Get("lock_table")
		var locks LockAPI
		if lockTable != "" {
			locks = dynamodb.NewFromConfig(*opts.AWS)
		}
		return NewS3Backend(s3.NewFromConfig(*opts.AWS), locks, u.Host, key, lockTable), nil
	default:
		return nil, fmt.Errorf("unsupported state scheme %q", u.Scheme)
	}
}

// hostPath rebuilds relative paths written as file://relative/path.
func hostPath(u *url.URL) string {
	if u.Host != "" {
		return u.Host + u.Path
	}
	return u.Path
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
