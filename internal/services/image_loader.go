package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const maxImageBytes = 20 << 20

// ImageLoader resolves a template image reference into raw bytes.
type ImageLoader struct {
	client *http.Client
}

func NewImageLoader(timeout time.Duration) *ImageLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ImageLoader{client: &http.Client{Timeout: timeout}}
}

// Load accepts data URLs (uploaded worlds) and http(s) URLs (presets).
func (l *ImageLoader) Load(ctx context.Context, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "data:") {
		data, err := decodeDataURL(ref)
		if err != nil {
			return nil, "", err
		}
		mime, err := DetectImage(data)
		return data, mime, err
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("不支持的图片地址 %q", ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("构建图片请求失败: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("下载图片失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("下载图片失败: 状态码 %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("读取图片失败: %w", err)
	}
	mime, err := DetectImage(data)
	return data, mime, err
}

// DetectImage sniffs the MIME type and rejects anything that is not an image.
func DetectImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: 图片为空", ErrValidation)
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", fmt.Errorf("%w: 不是图片 (%s)", ErrValidation, mtype.String())
	}
	return mtype.String(), nil
}

func decodeDataURL(ref string) ([]byte, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: data url 格式错误", ErrValidation)
	}
	header, payload := ref[:comma], ref[comma+1:]
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: data url 不是 base64", ErrValidation)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: 解码 data url 失败: %v", ErrValidation, err)
	}
	return data, nil
}
