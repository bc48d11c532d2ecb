package veneer

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/veneer/internal/storage"
	"pkt.systems/veneer/internal/storage/disk"
	"pkt.systems/veneer/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	cfg := Config{Store: "mem://"}
	backend, err := openBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := Config{Store: "disk://" + root}
	backend, err := openBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	store, ok := backend.(*disk.Store)
	if !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
	if enabled, _, _ := store.WatchStatus(); !enabled {
		t.Fatalf("expected change watch enabled by default")
	}
}

func TestOpenBackendWrapsForwardChangeFeed(t *testing.T) {
	cfg := Config{Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := OpenBackend(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	feed, ok := backend.(storage.ChangeFeed)
	if !ok {
		t.Fatalf("expected wrapped backend to expose change feed, got %T", backend)
	}
	sub, err := feed.SubscribeChanges(cfg.Namespace)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := openBackend(context.Background(), Config{Store: "ftp://example"}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestOpenBackendS3ChecksBucket(t *testing.T) {
	fake := s3mem.New()
	server := httptest.NewServer(gofakes3.New(fake).Server())
	defer server.Close()
	if err := fake.CreateBucket("behaviors"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	host := strings.TrimPrefix(server.URL, "http://")
	cfg := Config{
		Store:             "s3://" + host + "/behaviors/team?insecure=1&path-style=1&region=us-east-1",
		S3AccessKeyID:     "test",
		S3SecretAccessKey: "test",
	}
	backend, err := openBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	_ = backend.Close()

	cfg.Store = "s3://" + host + "/missing?insecure=1&path-style=1&region=us-east-1"
	if _, err := openBackend(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "aws:kms",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure {
		t.Fatalf("expected insecure flag from query")
	}
	if !s3cfg.ForcePathStyle {
		t.Fatalf("expected force path style")
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "aws:kms" {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
}

func TestResolveGenericS3CredentialsFromEnv(t *testing.T) {
	t.Setenv("VENEER_S3_ACCESS_KEY_ID", "")
	t.Setenv("VENEER_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("VENEER_S3_SESSION_TOKEN", "")
	t.Setenv("VENEER_S3_ROOT_USER", "root")
	t.Setenv("VENEER_S3_ROOT_PASSWORD", "rootpass")
	_, summary, err := resolveGenericS3Credentials(Config{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if summary.AccessKey != "root" || summary.Source != "env:VENEER_S3_ROOT_USER" {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	t.Setenv("VENEER_S3_ACCESS_KEY_ID", "only-key")
	if _, _, err := resolveGenericS3Credentials(Config{}); err == nil {
		t.Fatalf("expected incomplete credentials error")
	}

	t.Setenv("VENEER_S3_ACCESS_KEY_ID", "")
	t.Setenv("VENEER_S3_ROOT_USER", "")
	t.Setenv("VENEER_S3_ROOT_PASSWORD", "")
	_, summary, err = resolveGenericS3Credentials(Config{})
	if err != nil {
		t.Fatalf("resolve anonymous: %v", err)
	}
	if summary.Source != "anonymous" {
		t.Fatalf("expected anonymous source, got %+v", summary)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	cfg := Config{
		Store:       "aws://my-bucket/prefix?path-style=1",
		AWSRegion:   "us-west-2",
		AWSKMSKeyID: "aws-kms",
		S3KMSKeyID:  "ignored",
	}
	awsCfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" {
		t.Fatalf("unexpected bucket: %s", awsCfg.Bucket)
	}
	if awsCfg.Prefix != "prefix" {
		t.Fatalf("unexpected prefix: %s", awsCfg.Prefix)
	}
	if awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected region: %s", awsCfg.Region)
	}
	if awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("unexpected kms key: %s", awsCfg.KMSKeyID)
	}
	if !awsCfg.ForcePathStyle {
		t.Fatalf("expected path style from query")
	}
	if summary.Source == "" {
		t.Fatalf("expected credential summary source")
	}

	regional, _, err := BuildAWSConfig(Config{Store: "aws://bucket?region=eu-north-1&endpoint=localhost:4566&insecure=1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig query region: %v", err)
	}
	if regional.Region != "eu-north-1" || regional.Endpoint != "localhost:4566" || !regional.Insecure {
		t.Fatalf("unexpected regional config: %+v", regional)
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws://"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://myaccount/container/prefix/path?sas=token",
		AzureAccountKey: "secret",
	}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "myaccount" {
		t.Fatalf("unexpected account: %s", azureCfg.Account)
	}
	if azureCfg.Container != "container" {
		t.Fatalf("unexpected container: %s", azureCfg.Container)
	}
	if azureCfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", azureCfg.Prefix)
	}
	if azureCfg.AccountKey != "secret" || azureCfg.SASToken != "token" {
		t.Fatalf("unexpected credentials: %+v", azureCfg)
	}

	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	t.Setenv("AZURE_ACCOUNT_NAME", "")
	if _, err := BuildAzureConfig(Config{Store: "azure:///container"}); err == nil {
		t.Fatalf("expected error for missing account")
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://account"}); err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	diskCfg, root, err := BuildDiskConfig(Config{Store: "disk:///var/lib/veneer/", DisableChangeFeed: true})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if root != "/var/lib/veneer" || diskCfg.Root != root {
		t.Fatalf("unexpected root: %q / %q", root, diskCfg.Root)
	}
	if diskCfg.Watch {
		t.Fatalf("expected watch disabled with change feed off")
	}
	hosted, _, err := BuildDiskConfig(Config{Store: "disk://data/behaviors"})
	if err != nil {
		t.Fatalf("BuildDiskConfig host form: %v", err)
	}
	if hosted.Root != "/data/behaviors" {
		t.Fatalf("unexpected host-form root: %q", hosted.Root)
	}
	if _, _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestStoreScheme(t *testing.T) {
	cases := map[string]string{
		"mem://":           "memory",
		"":                 "memory",
		"disk:///tmp/x":    "disk",
		"s3://host/bucket": "s3",
		"azure://a/c":      "azure",
	}
	for in, want := range cases {
		if got := storeScheme(in); got != want {
			t.Fatalf("storeScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
