package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"

	"caption-scheduler/internal/config"
	"caption-scheduler/internal/models"
)

// TransientError marks a failure that may succeed on retry. Type feeds the
// queue manager's retry allow-list.
type TransientError struct {
	Type string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CaptionHandler generates a caption for a job's source image: fetch from S3
// or HTTP, downscale, and describe through a vision-language model endpoint.
type CaptionHandler struct {
	cfg        config.Config
	httpClient *http.Client
	s3Client   *s3.Client
	vlm        *resty.Client
}

// captionSettings is the job settings blob accepted from the queue.
type captionSettings struct {
	SourceURL string
	S3Key     string
	Prompt    string
}

// NewCaptionHandler constructs the handler. S3 support is enabled only when
// a bucket is configured.
func NewCaptionHandler(ctx context.Context, cfg config.Config) (*CaptionHandler, error) {
	var s3Client *s3.Client
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Client = client
	}

	vlm := resty.New()
	vlm.SetTimeout(cfg.CaptionTimeout)
	vlm.SetHeader("Content-Type", "application/json")
	if cfg.CaptionAPIKey != "" {
		vlm.SetHeader("Authorization", "Bearer "+cfg.CaptionAPIKey)
	}

	return &CaptionHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		s3Client:   s3Client,
		vlm:        vlm,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Handle produces a caption for one job. Returns the caption text.
func (h *CaptionHandler) Handle(ctx context.Context, job models.Job) (string, error) {
	settings, err := decodeCaptionSettings(job)
	if err != nil {
		return "", err
	}

	data, err := h.fetchImage(ctx, settings)
	if err != nil {
		return "", err
	}

	prepared, err := h.prepareImage(data)
	if err != nil {
		return "", fmt.Errorf("prepare image: %w", err)
	}

	caption, err := h.requestCaption(ctx, prepared, settings.Prompt)
	if err != nil {
		return "", err
	}
	return caption, nil
}

func decodeCaptionSettings(job models.Job) (captionSettings, error) {
	var s captionSettings
	if v, ok := job.Settings["source_url"].(string); ok {
		s.SourceURL = v
	}
	if v, ok := job.Settings["s3_key"].(string); ok {
		s.S3Key = v
	}
	if v, ok := job.Settings["prompt"].(string); ok {
		s.Prompt = v
	}
	if s.SourceURL == "" && s.S3Key == "" {
		return s, errors.New("job settings carry neither source_url nor s3_key")
	}
	return s, nil
}

func (h *CaptionHandler) fetchImage(ctx context.Context, s captionSettings) ([]byte, error) {
	if s.S3Key != "" && h.s3Client != nil {
		out, err := h.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(h.cfg.S3Bucket),
			Key:    aws.String(s.S3Key),
		})
		if err != nil {
			return nil, &TransientError{Type: "network_error", Err: fmt.Errorf("s3 get %s: %w", s.S3Key, err)}
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, &TransientError{Type: "network_error", Err: fmt.Errorf("read s3 body: %w", err)}
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &TransientError{Type: "rate_limit", Err: fmt.Errorf("image source returned %s", resp.Status)}
		}
		if resp.StatusCode >= 500 {
			return nil, &TransientError{Type: "temporary_failure", Err: fmt.Errorf("image source returned %s", resp.Status)}
		}
		return nil, fmt.Errorf("image source returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &TransientError{Type: "network_error", Err: fmt.Errorf("read image body: %w", err)}
	}
	return data, nil
}

// prepareImage downscales large images before they go to the model and
// re-encodes as JPEG.
func (h *CaptionHandler) prepareImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	maxEdge := h.cfg.MaxImageEdge
	if maxEdge <= 0 {
		maxEdge = 1024
	}
	if img.Bounds().Dx() > maxEdge || img.Bounds().Dy() > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Chat-completions request/response shapes for OpenAI-compatible endpoints.
type captionRequest struct {
	Model     string           `json:"model"`
	Messages  []captionMessage `json:"messages"`
	MaxTokens int              `json:"max_tokens"`
}

type captionMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type captionTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type captionImageContent struct {
	Type     string          `json:"type"`
	ImageURL captionImageURL `json:"image_url"`
}

type captionImageURL struct {
	URL string `json:"url"`
}

type captionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const defaultPrompt = "Write a concise, engaging caption for this image."

func (h *CaptionHandler) requestCaption(ctx context.Context, image []byte, prompt string) (string, error) {
	if h.cfg.CaptionEndpoint == "" {
		return "", errors.New("caption endpoint not configured")
	}
	if prompt == "" {
		prompt = defaultPrompt
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)

	var out captionResponse
	resp, err := h.vlm.R().
		SetContext(ctx).
		SetBody(captionRequest{
			Model: h.cfg.CaptionModel,
			Messages: []captionMessage{{
				Role: "user",
				Content: []any{
					captionTextContent{Type: "text", Text: prompt},
					captionImageContent{Type: "image_url", ImageURL: captionImageURL{URL: dataURL}},
				},
			}},
			MaxTokens: 300,
		}).
		SetResult(&out).
		Post(h.cfg.CaptionEndpoint)
	if err != nil {
		return "", classifyHTTPError(err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return "", &TransientError{Type: "rate_limit", Err: fmt.Errorf("caption endpoint returned %s", resp.Status())}
	}
	if resp.StatusCode() >= 500 {
		return "", &TransientError{Type: "temporary_failure", Err: fmt.Errorf("caption endpoint returned %s", resp.Status())}
	}
	if resp.IsError() {
		return "", fmt.Errorf("caption endpoint returned %s", resp.Status())
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", errors.New("caption endpoint returned no content")
	}
	return out.Choices[0].Message.Content, nil
}

func classifyHTTPError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Type: "timeout", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Type: "timeout", Err: err}
	}
	return &TransientError{Type: "network_error", Err: err}
}
