package bucketlock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/sysbot/go-netrc"
	"github.com/urfave/cli/v3"

	s3config "github.com/bucketlock/bucketlock/pkg/s3"
	localstorage "github.com/bucketlock/bucketlock/pkg/storage/local"
	storageS3 "github.com/bucketlock/bucketlock/pkg/storage/s3"

	"github.com/bucketlock/bucketlock/pkg/storage"
)

var (
	// ErrStoreConfigRequired is returned if neither local nor S3 storage is configured.
	ErrStoreConfigRequired = errors.New("either --store-path or --store-s3-bucket is required")

	ErrS3ConfigIncomplete = errors.New(
		"S3 requires --store-s3-endpoint along with credentials, either from " +
			"--store-s3-access-key-id and --store-s3-secret-access-key or from the netrc file",
	)

	// ErrStoreConflict is returned if both local and S3 storage are configured.
	ErrStoreConflict = errors.New("cannot use both --store-path and --store-s3-bucket")
)

// parseNetrcFile parses the netrc file and returns the parsed netrc object.
func parseNetrcFile(netrcPath string) (*netrc.Netrc, error) {
	file, err := os.Open(netrcPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	n, err := netrc.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("error parsing netrc file: %w", err)
	}

	return n, nil
}

// storeFlags returns the flags shared by every command that needs the
// bucket holding the lock objects.
func storeFlags(userDirs userDirectories, flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store-path",
			Usage:   "The directory backing the lock bucket (use this OR S3 storage)",
			Sources: flagSources("store.path", "STORE_PATH"),
		},
		&cli.StringFlag{
			Name:    "store-s3-bucket",
			Usage:   "S3 bucket holding the lock objects (use this OR --store-path for local storage)",
			Sources: flagSources("store.s3.bucket", "STORE_S3_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "store-s3-endpoint",
			Usage:   "S3-compatible endpoint URL with scheme (e.g., https://s3.amazonaws.com or http://minio.example.com:9000)",
			Sources: flagSources("store.s3.endpoint", "STORE_S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "store-s3-region",
			Usage:   "S3 region (optional)",
			Sources: flagSources("store.s3.region", "STORE_S3_REGION"),
		},
		&cli.StringFlag{
			Name:    "store-s3-access-key-id",
			Usage:   "S3 access key ID",
			Sources: flagSources("store.s3.access-key-id", "STORE_S3_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "store-s3-secret-access-key",
			Usage:   "S3 secret access key",
			Sources: flagSources("store.s3.secret-access-key", "STORE_S3_SECRET_ACCESS_KEY"),
		},
		&cli.BoolFlag{
			Name:    "store-s3-force-path-style",
			Usage:   "Force path-style S3 addressing (bucket/key vs key.bucket) - required for MinIO, optional for AWS S3",
			Sources: flagSources("store.s3.force-path-style", "STORE_S3_FORCE_PATH_STYLE"),
		},
		&cli.StringFlag{
			Name:    "netrc-file",
			Usage:   "Path to netrc file used to look up S3 credentials by endpoint host",
			Sources: flagSources("store.netrc-file", "NETRC_FILE"),
			Value:   filepath.Join(userDirs.homeDir, ".netrc"),
		},
	}
}

func getStoreConfig(ctx context.Context, cmd *cli.Command) (string, *s3config.Config, error) {
	localPath := cmd.String("store-path")
	s3Bucket := cmd.String("store-s3-bucket")

	if localPath != "" && s3Bucket != "" {
		return "", nil, ErrStoreConflict
	}

	if localPath == "" && s3Bucket == "" {
		return "", nil, ErrStoreConfigRequired
	}

	if localPath != "" {
		return localPath, nil, nil
	}

	s3Cfg := &s3config.Config{
		Bucket:          s3Bucket,
		Region:          cmd.String("store-s3-region"),
		Endpoint:        cmd.String("store-s3-endpoint"),
		AccessKeyID:     cmd.String("store-s3-access-key-id"),
		SecretAccessKey: cmd.String("store-s3-secret-access-key"),
		ForcePathStyle:  cmd.Bool("store-s3-force-path-style"),
	}

	if s3Cfg.AccessKeyID == "" || s3Cfg.SecretAccessKey == "" {
		fillS3CredentialsFromNetrc(ctx, cmd, s3Cfg)
	}

	if s3Cfg.Endpoint == "" || s3Cfg.AccessKeyID == "" || s3Cfg.SecretAccessKey == "" {
		return "", nil, ErrS3ConfigIncomplete
	}

	if err := s3Cfg.Validate(); err != nil {
		return "", nil, err
	}

	return "", s3Cfg, nil
}

// fillS3CredentialsFromNetrc fills the missing credential fields from the
// netrc machine entry matching the endpoint host. A missing or
// unparseable netrc file is not fatal here; getStoreConfig has the final
// say on whether the credentials ended up complete.
func fillS3CredentialsFromNetrc(ctx context.Context, cmd *cli.Command, s3Cfg *s3config.Config) {
	netrcData, err := parseNetrcFile(cmd.String("netrc-file"))
	if err != nil {
		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Msg("failed to parse netrc file, proceeding without netrc credentials")

		return
	}

	u, err := url.Parse(s3Cfg.Endpoint)
	if err != nil {
		return
	}

	machine := netrcData.FindMachine(u.Hostname())
	if machine == nil {
		return
	}

	if s3Cfg.AccessKeyID == "" {
		s3Cfg.AccessKeyID = machine.Login
	}

	if s3Cfg.SecretAccessKey == "" {
		s3Cfg.SecretAccessKey = machine.Password
	}
}

func getBucket(ctx context.Context, cmd *cli.Command) (storage.Bucket, error) {
	localPath, s3Cfg, err := getStoreConfig(ctx, cmd)
	if err != nil {
		return nil, err
	}

	switch {
	case localPath != "":
		return createLocalBucket(ctx, localPath)

	case s3Cfg != nil:
		return createS3Bucket(ctx, *s3Cfg)

	default:
		// This should never happen because getStoreConfig returns an error if neither is set
		return nil, ErrStoreConfigRequired
	}
}

func createLocalBucket(ctx context.Context, path string) (storage.Bucket, error) {
	bucket, err := localstorage.New(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error creating a new local bucket at %q: %w", path, err)
	}

	zerolog.Ctx(ctx).Info().Str("path", path).Msg("using local storage")

	return bucket, nil
}

func createS3Bucket(ctx context.Context, s3Cfg s3config.Config) (storage.Bucket, error) {
	ctx = zerolog.Ctx(ctx).
		With().
		Str("bucket", s3Cfg.Bucket).
		Str("endpoint", s3Cfg.Endpoint).
		Bool("force_path_style", s3Cfg.ForcePathStyle).
		Logger().
		WithContext(ctx)

	zerolog.Ctx(ctx).Debug().Msg("creating S3 storage")

	bucket, err := storageS3.New(ctx, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating a new S3 bucket: %w", err)
	}

	zerolog.Ctx(ctx).Info().Msg("using S3 storage")

	return bucket, nil
}
