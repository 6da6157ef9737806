package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"voxelcrew.ai/internal/persistence/r2s3"
)

// buildMirror returns nil when VC_R2_MIRROR is off.
func buildMirror(logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("VC_R2_MIRROR", false) {
		return nil, nil
	}
	cfg := r2s3.Config{
		Endpoint:        strings.TrimSpace(os.Getenv("VC_R2_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("VC_R2_BUCKET")),
		Region:          strings.TrimSpace(os.Getenv("VC_R2_REGION")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("VC_R2_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("VC_R2_SECRET_ACCESS_KEY")),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("VC_R2_MIRROR=true but VC_R2_ENDPOINT/VC_R2_BUCKET/VC_R2_ACCESS_KEY_ID/VC_R2_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorOptions{
		Prefix:  strings.TrimSpace(os.Getenv("VC_R2_PREFIX")),
		Workers: envInt("VC_R2_UPLOAD_WORKERS", 2),
		Logger:  logger,
	}), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
