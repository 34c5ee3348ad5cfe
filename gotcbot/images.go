package gotcbot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	imageContentTypePNG  = "image/png"
	maxImageDownloadSize = 20 << 20

	stableDiffusionTxt2ImgPath = "/sdapi/v1/txt2img"
	nudenetCensorPath          = "/nudenet/censor"
)

var dalleSizes = map[string]bool{
	"1024x1024": true,
	"1024x1792": true,
	"1792x1024": true,
}

// GeneratedImage is either a link (URL) or raw image bytes to attach
type GeneratedImage struct {
	URL         string
	Data        []byte
	Filename    string
	ContentType string
}

// ImageGenerator turns an ImageRequest into an image
type ImageGenerator interface {
	Name() string
	Generate(ctx context.Context, req ImageRequest) (GeneratedImage, error)
}

// imageGeneratorFromConfig returns the configured ImageGenerator, or nil
// when image generation is disabled
func imageGeneratorFromConfig(
	config *ImageConfig,
	model ModelClient,
	store ObjectStore,
	imagePrefix string,
	httpClient *http.Client,
	logger *slog.Logger,
) (ImageGenerator, error) {
	switch config.Backend {
	case ImageBackendDisabled, "":
		return nil, nil
	case ImageBackendDalle:
		hosted, ok := model.(*HostedAPIClient)
		if !ok {
			return nil, &ConfigError{Field: "image.backend", Err: errDalleRequiresHosted}
		}
		return &DalleGenerator{
			client:      hosted,
			store:       store,
			prefix:      imagePrefix,
			defaultSize: config.DefaultSize,
			httpClient:  httpClient,
			logger:      logger,
		}, nil
	case ImageBackendStableDiffusion:
		return NewStableDiffusionGenerator(config, store, imagePrefix, httpClient, logger), nil
	default:
		return nil, &ConfigError{
			Field: "image.backend",
			Err:   fmt.Errorf("unknown backend %q", config.Backend),
		}
	}
}

type dalleClient interface {
	GenerateImage(ctx context.Context, prompt string, size string) (string, error)
}

// DalleGenerator generates images with DALL·E 3. The returned URLs expire,
// so when a store is set the image is downloaded and re-uploaded.
type DalleGenerator struct {
	client      dalleClient
	store       ObjectStore
	prefix      string
	defaultSize string
	httpClient  *http.Client
	logger      *slog.Logger
}

func (*DalleGenerator) Name() string {
	return ImageBackendDalle
}

func (g *DalleGenerator) Generate(ctx context.Context, req ImageRequest) (GeneratedImage, error) {
	size := req.Size
	if !dalleSizes[size] {
		size = g.defaultSize
	}
	if !dalleSizes[size] {
		size = DefaultImageSize
	}

	imageURL, err := g.client.GenerateImage(ctx, imagePrompt(req), size)
	if err != nil {
		return GeneratedImage{}, err
	}
	if g.store == nil {
		return GeneratedImage{URL: imageURL}, nil
	}

	data, err := downloadImage(ctx, g.httpClient, imageURL)
	if err != nil {
		getLogger(ctx, g.logger).WarnContext(
			ctx,
			"unable to download generated image, linking the original",
			"error", err,
		)
		return GeneratedImage{URL: imageURL}, nil
	}
	key := fmt.Sprintf("%sdalle_%s.png", g.prefix, uuid.NewString())
	link, err := g.store.Upload(ctx, key, data, imageContentTypePNG)
	if err != nil {
		return GeneratedImage{URL: imageURL}, nil
	}
	return GeneratedImage{URL: link}, nil
}

// imagePrompt folds the negative prompt into the prompt, for backends
// without a separate negative prompt
func imagePrompt(req ImageRequest) string {
	if req.NegativePrompt == "" {
		return req.Prompt
	}
	return fmt.Sprintf("%s. Avoid: %s", req.Prompt, req.NegativePrompt)
}

// StableDiffusionGenerator uses a Stable Diffusion WebUI API. Images are
// optionally run through the nudenet censor extension, and rejected with
// ErrCensored if anything was censored.
type StableDiffusionGenerator struct {
	baseURL      string
	steps        int
	fantasySteps int
	cfgScale     float64
	safetyCheck  bool
	store        ObjectStore
	prefix       string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewStableDiffusionGenerator(
	config *ImageConfig,
	store ObjectStore,
	imagePrefix string,
	httpClient *http.Client,
	logger *slog.Logger,
) *StableDiffusionGenerator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StableDiffusionGenerator{
		baseURL:      strings.TrimSuffix(config.StableDiffusionURL, "/"),
		steps:        config.Steps,
		fantasySteps: DefaultFantasySteps,
		cfgScale:     config.CFGScale,
		safetyCheck:  config.SafetyCheck,
		store:        store,
		prefix:       imagePrefix,
		httpClient:   httpClient,
		logger:       logger,
	}
}

func (*StableDiffusionGenerator) Name() string {
	return ImageBackendStableDiffusion
}

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	RestoreFaces   bool    `json:"restore_faces"`
	SendImages     bool    `json:"send_images"`
	SaveImages     bool    `json:"save_images"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

type censorRequest struct {
	InputImage    string  `json:"input_image"`
	EnableNudenet bool    `json:"enable_nudenet"`
	OutputMask    bool    `json:"output_mask"`
	FilterType    string  `json:"filter_type"`
	BlurRadius    int     `json:"blur_radius"`
	MaskShape     string  `json:"mask_shape"`
	NMSThreshold  float64 `json:"nms_threshold"`
}

type censorResponse struct {
	Image *string `json:"image"`
}

func (g *StableDiffusionGenerator) Generate(
	ctx context.Context,
	req ImageRequest,
) (GeneratedImage, error) {
	payload := txt2imgRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          g.steps,
		CFGScale:       g.cfgScale,
		RestoreFaces:   true,
		SendImages:     true,
	}
	if req.Fantasy {
		payload.Steps = g.fantasySteps
		payload.RestoreFaces = false
	}

	var resp txt2imgResponse
	if err := g.postJSON(ctx, stableDiffusionTxt2ImgPath, payload, &resp); err != nil {
		return GeneratedImage{}, err
	}
	if len(resp.Images) == 0 || resp.Images[0] == "" {
		return GeneratedImage{}, &UpstreamError{Service: "stable_diffusion", Err: errEmptyResponse}
	}
	encoded := resp.Images[0]

	if g.safetyCheck {
		if err := g.checkSafe(ctx, encoded); err != nil {
			return GeneratedImage{}, err
		}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return GeneratedImage{}, &UpstreamError{
			Service: "stable_diffusion",
			Err:     fmt.Errorf("decoding image: %w", err),
		}
	}

	filename := fmt.Sprintf("diffusion_%s.png", uuid.NewString())
	if g.store == nil {
		return GeneratedImage{
			Data:        data,
			Filename:    filename,
			ContentType: imageContentTypePNG,
		}, nil
	}
	link, err := g.store.Upload(ctx, g.prefix+filename, data, imageContentTypePNG)
	if err != nil {
		getLogger(ctx, g.logger).WarnContext(
			ctx, "upload failed, attaching image instead", "error", err,
		)
		return GeneratedImage{Data: data, Filename: filename, ContentType: imageContentTypePNG}, nil
	}
	return GeneratedImage{URL: link}, nil
}

// checkSafe returns nil if nudenet didn't censor anything. A failed check
// is treated as censored.
func (g *StableDiffusionGenerator) checkSafe(ctx context.Context, encoded string) error {
	var resp censorResponse
	err := g.postJSON(
		ctx, nudenetCensorPath, censorRequest{
			InputImage:    encoded,
			EnableNudenet: true,
			FilterType:    "Variable blur",
			BlurRadius:    50,
			MaskShape:     "Ellipse",
			NMSThreshold:  0.8,
		}, &resp,
	)
	if err != nil {
		return errors.Join(ErrCensored, err)
	}
	if resp.Image != nil {
		return ErrCensored
	}
	return nil
}

func (g *StableDiffusionGenerator) postJSON(
	ctx context.Context,
	path string,
	payload any,
	v any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Service: "stable_diffusion", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{
			Service:    "stable_diffusion",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", path, strings.TrimSpace(string(msg))),
		}
	}
	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &UpstreamError{Service: "stable_diffusion", Err: fmt.Errorf("decoding %s: %w", path, err)}
	}
	return nil
}

func downloadImage(ctx context.Context, client *http.Client, imageURL string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageDownloadSize))
}
