// 本文件用于把渲染好的卡片页面上传到 OSS 并返回访问地址

// 文件职责：对象键按日期分目录 上传后校验 ETag 并记录发布指标
// 边界与容错：上传失败显式返回错误 卡片本身仍然保留在本地库

package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	sdk "github.com/aliyun/aliyun-oss-go-sdk/oss"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/models"
)

const defaultPrefix = "cards"

// objectPutter 是 OSS Bucket 上传能力的最小集合
type objectPutter interface {
	PutObject(objectKey string, reader io.Reader, options ...sdk.Option) error
}

// Publisher 负责卡片页面上传
type Publisher struct {
	bucket     objectPutter
	endpoint   string
	bucketName string
	prefix     string
	disableSSL bool
	now        func() time.Time
}

// NewPublisher 创建并初始化 OSS 发布器
func NewPublisher(cfg *models.Config) (*Publisher, error) {
	logger.Info("初始化OSS发布器...")
	endpoint, err := normalizeOSSEndpoint(cfg.OSSEndpoint, cfg.OSSDisableSSL)
	if err != nil {
		return nil, err
	}
	client, err := sdk.New(endpoint, cfg.OSSAK, cfg.OSSSK)
	if err != nil {
		return nil, fmt.Errorf("创建OSS客户端失败: %w", err)
	}
	bucket, err := client.Bucket(cfg.OSSBucket)
	if err != nil {
		return nil, fmt.Errorf("获取OSS Bucket失败: %w", err)
	}
	logger.Info("OSS发布器初始化成功")
	return newPublisher(bucket, cfg), nil
}

func newPublisher(bucket objectPutter, cfg *models.Config) *Publisher {
	prefix := strings.Trim(strings.TrimSpace(cfg.OSSPrefix), "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Publisher{
		bucket:     bucket,
		endpoint:   cfg.OSSEndpoint,
		bucketName: cfg.OSSBucket,
		prefix:     prefix,
		disableSSL: cfg.OSSDisableSSL,
		now:        time.Now,
	}
}

// Publish 上传卡片页面，返回对象的访问地址
func (p *Publisher) Publish(ctx context.Context, cardID, page string) (string, error) {
	started := time.Now()
	link, err := p.publish(ctx, cardID, page)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.Global().ObservePublish(outcome, time.Since(started))
	return link, err
}

func (p *Publisher) publish(ctx context.Context, cardID, page string) (string, error) {
	if p == nil || p.bucket == nil {
		return "", fmt.Errorf("OSS Bucket未初始化")
	}
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return "", fmt.Errorf("卡片 id 不能为空")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	objectKey := p.objectKey(cardID)
	body := []byte(page)
	sum := md5.Sum(body)
	localMD5 := hex.EncodeToString(sum[:])

	var responseHeader http.Header
	err := p.bucket.PutObject(
		objectKey,
		&contextReader{ctx: ctx, reader: strings.NewReader(page)},
		sdk.ContentLength(int64(len(body))),
		sdk.ContentType("text/html; charset=utf-8"),
		sdk.GetResponseHeader(&responseHeader),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("OSS上传失败: %w", err)
	}
	if err := verifyETag(localMD5, responseHeader); err != nil {
		return "", err
	}
	link := p.downloadURL(objectKey)
	logger.Info("卡片已发布: card=%s object=%s", cardID, objectKey)
	return link, nil
}

// objectKey 形如 <prefix>/2024/05/01/<card-id>.html
func (p *Publisher) objectKey(cardID string) string {
	return path.Join(p.prefix, p.now().Format("2006/01/02"), url.PathEscape(cardID)+".html")
}

// downloadURL 使用 bucket.endpoint 的虚拟主机风格地址
func (p *Publisher) downloadURL(objectKey string) string {
	endpoint, err := normalizeOSSEndpoint(p.endpoint, p.disableSSL)
	if err != nil {
		return objectKey
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return objectKey
	}
	host := parsed.Host
	if p.bucketName != "" {
		host = p.bucketName + "." + host
	}
	u := url.URL{Scheme: parsed.Scheme, Host: host, Path: "/" + strings.TrimPrefix(path.Join(parsed.Path, objectKey), "/")}
	return u.String()
}

// normalizeOSSEndpoint 用于统一 OSS Endpoint 格式
func normalizeOSSEndpoint(endpoint string, disableSSL bool) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("OSS Endpoint不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return strings.TrimSuffix(trimmed, "/"), nil
	}
	parsed, err = url.Parse("//" + trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("无效的 OSS Endpoint: %s", endpoint)
	}
	scheme := "https"
	if disableSSL {
		scheme = "http"
	}
	return scheme + "://" + parsed.Host + strings.TrimSuffix(parsed.Path, "/"), nil
}

// verifyETag 简单上传的 ETag 即内容 MD5，未返回 ETag 时跳过校验
func verifyETag(localMD5 string, header http.Header) error {
	remote := normalizeETag(header.Get("ETag"))
	if remote == "" || remote == localMD5 {
		return nil
	}
	return fmt.Errorf("OSS ETag校验失败: local=%s remote=%s", localMD5, remote)
}

func normalizeETag(value string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(value), "\""))
}

// contextReader 用于让上传过程响应上下文取消
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

// Read 在读取前检查上下文，避免取消后继续上传
func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
