package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/warp/dues-engine/generic"
	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gstorage "google.golang.org/api/storage/v1"
)

// GCSStore keeps documents in a Google Cloud Storage bucket.
type GCSStore struct {
	svc    *gstorage.Service
	bucket string
}

type GCSConfig struct {
	Bucket string
	// CredentialsFile is a service-account JSON file. Empty uses
	// application default credentials.
	CredentialsFile string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	opts := []goption.ClientOption{goption.WithScopes(gstorage.DevstorageReadWriteScope)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, goption.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := gstorage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage service: %w", err)
	}
	return &GCSStore{svc: svc, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, u Upload) error {
	ct := u.ContentType
	if ct == "" {
		ct = ContentTypeFor(key)
	}
	obj := &gstorage.Object{Name: key, ContentType: ct}
	_, err := s.svc.Objects.Insert(s.bucket, obj).
		Media(bytes.NewReader(u.Data), googleapi.ContentType(ct)).
		Context(ctx).
		Do()
	if err != nil {
		return &generic.StoreError{Op: "evidence upload", Err: err}
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) (Object, error) {
	resp, err := s.svc.Objects.Get(s.bucket, key).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return Object{}, &generic.NotFoundError{Entity: "evidence", ID: key}
		}
		return Object{}, &generic.StoreError{Op: "evidence download", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Object{}, &generic.StoreError{Op: "evidence download", Err: err}
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = ContentTypeFor(key)
	}
	return Object{Key: key, ContentType: ct, Data: data}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.svc.Objects.Delete(s.bucket, key).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return &generic.StoreError{Op: "evidence delete", Err: err}
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
