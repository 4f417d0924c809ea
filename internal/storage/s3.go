package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

// gcmMagic prefixes encrypted objects: magic(8) + salt(16) + nonce(12) + ciphertext+tag.
const gcmMagic = "GCM3NCR0"

const (
	saltLen    = 16
	nonceLen   = 12
	kdfRounds  = 100000
	keyLen     = 32
	minSealLen = len(gcmMagic) + saltLen + nonceLen + 16
)

// ObjectAPI is the part of the S3 client the mirror needs.
type ObjectAPI interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type MirrorOptions struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
	// Password encrypts objects with AES-GCM when set.
	Password string
	// Client overrides the S3 client built from the options above.
	Client ObjectAPI
}

// Mirror copies artifacts to an S3 bucket, optionally encrypted.
type Mirror struct {
	client   ObjectAPI
	uploader *manager.Uploader
	bucket   string
	prefix   string
	password string
}

func NewMirror(ctx context.Context, opts MirrorOptions) (*Mirror, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 mirror: bucket not configured")
	}
	cli := opts.Client
	if cli == nil {
		var loadOpts []func(*awscfg.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
		}
		if opts.AccessKey != "" && opts.SecretKey != "" {
			loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
		}
		cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		cli = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
				o.UsePathStyle = true
			}
		})
	}
	return &Mirror{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		password: opts.Password,
	}, nil
}

// Key maps a task artifact to its object key.
func (m *Mirror) Key(taskID, name string) string {
	return path.Join(m.prefix, taskID, name)
}

// Put uploads data under taskID/name and returns the s3:// URL.
func (m *Mirror) Put(ctx context.Context, taskID, name, contentType string, data []byte) (string, error) {
	key := m.Key(taskID, name)
	meta := map[string]string{"name": name, "task-id": taskID}
	body := data
	if m.password != "" {
		sealed, err := seal(data, m.password)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt data: %w", err)
		}
		body = sealed
		meta["encrypted"] = "true"
		meta["encryption-format"] = gcmMagic
	}
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("key", key).Int("size", len(data)).Bool("encrypted", m.password != "").Msg("mirrored artifact to S3")
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Get downloads and, when needed, decrypts an object.
func (m *Mirror) Get(ctx context.Context, taskID, name string) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.Key(taskID, name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	if !bytes.HasPrefix(data, []byte(gcmMagic)) {
		return data, nil
	}
	if m.password == "" {
		return nil, errors.New("object is encrypted and no password is configured")
	}
	return open(data, m.password)
}

func (m *Mirror) Delete(ctx context.Context, taskID, name string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.Key(taskID, name)),
	})
	return err
}

// Ping checks that the bucket is reachable.
func (m *Mirror) Ping(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	return err
}

func (m *Mirror) Bucket() string { return m.bucket }

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfRounds, keyLen, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func seal(plain []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLen)
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, minSealLen+len(plain))
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func open(data []byte, password string) ([]byte, error) {
	if len(data) < minSealLen || string(data[:len(gcmMagic)]) != gcmMagic {
		return nil, fmt.Errorf("GCM data too short or unrecognized: %d bytes", len(data))
	}
	rest := data[len(gcmMagic):]
	salt, nonce, ct := rest[:saltLen], rest[saltLen:saltLen+nonceLen], rest[saltLen+nonceLen:]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plain, nil
}
