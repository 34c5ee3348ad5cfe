package gotcbot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPNG = []byte("\x89PNG\r\n\x1a\nnot really a png")

// fakeStableDiffusion is an httptest server for the txt2img and nudenet
// censor endpoints
type fakeStableDiffusion struct {
	srv *httptest.Server

	mu            sync.Mutex
	txt2img       []txt2imgRequest
	censorCalls   int
	censorStatus  int
	censoredImage bool
}

func newFakeStableDiffusion(t testing.TB) *fakeStableDiffusion {
	t.Helper()
	f := &fakeStableDiffusion{censorStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc(
		stableDiffusionTxt2ImgPath, func(w http.ResponseWriter, r *http.Request) {
			var req txt2imgRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.txt2img = append(f.txt2img, req)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(
				txt2imgResponse{Images: []string{base64.StdEncoding.EncodeToString(testPNG)}},
			)
		},
	)
	mux.HandleFunc(
		nudenetCensorPath, func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.censorCalls++
			status := f.censorStatus
			censored := f.censoredImage
			f.mu.Unlock()
			if status != http.StatusOK {
				http.Error(w, "censor failed", status)
				return
			}
			if censored {
				_, _ = io.WriteString(w, `{"image": "Y2Vuc29yZWQ="}`)
				return
			}
			_, _ = io.WriteString(w, `{"image": null}`)
		},
	)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestStableDiffusion(t testing.TB, sd *fakeStableDiffusion, store ObjectStore) *StableDiffusionGenerator {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Image.Backend = ImageBackendStableDiffusion
	cfg.Image.StableDiffusionURL = sd.srv.URL + "/"
	return NewStableDiffusionGenerator(cfg.Image, store, cfg.Storage.ImagePrefix, sd.srv.Client(), discardLogger())
}

func TestStableDiffusionGenerate(t *testing.T) {
	sd := newFakeStableDiffusion(t)
	g := newTestStableDiffusion(t, sd, nil)

	img, err := g.Generate(
		context.Background(),
		ImageRequest{Prompt: "a castle", NegativePrompt: "blurry"},
	)
	require.NoError(t, err)
	assert.Equal(t, testPNG, img.Data)
	assert.Equal(t, imageContentTypePNG, img.ContentType)
	assert.True(t, strings.HasPrefix(img.Filename, "diffusion_"))
	assert.True(t, strings.HasSuffix(img.Filename, ".png"))
	assert.Empty(t, img.URL)

	require.Len(t, sd.txt2img, 1)
	req := sd.txt2img[0]
	assert.Equal(t, "a castle", req.Prompt)
	assert.Equal(t, "blurry", req.NegativePrompt)
	assert.Equal(t, DefaultStableDiffusionSteps, req.Steps)
	assert.Equal(t, DefaultStableDiffusionCFG, req.CFGScale)
	assert.True(t, req.RestoreFaces)
	assert.True(t, req.SendImages)
	assert.Equal(t, 1, sd.censorCalls)
}

func TestStableDiffusionFantasy(t *testing.T) {
	sd := newFakeStableDiffusion(t)
	g := newTestStableDiffusion(t, sd, nil)

	_, err := g.Generate(context.Background(), ImageRequest{Prompt: "a dragon", Fantasy: true})
	require.NoError(t, err)
	require.Len(t, sd.txt2img, 1)
	assert.Equal(t, DefaultFantasySteps, sd.txt2img[0].Steps)
	assert.False(t, sd.txt2img[0].RestoreFaces)
}

func TestStableDiffusionSafetyCheck(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		censored bool
		wantErr  bool
	}{
		{name: "clean", status: http.StatusOK},
		{name: "censored", status: http.StatusOK, censored: true, wantErr: true},
		{name: "censor unavailable", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				sd := newFakeStableDiffusion(t)
				sd.censorStatus = tc.status
				sd.censoredImage = tc.censored
				g := newTestStableDiffusion(t, sd, nil)

				_, err := g.Generate(context.Background(), ImageRequest{Prompt: "x"})
				if !tc.wantErr {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrCensored)
			},
		)
	}
}

func TestStableDiffusionWithoutSafetyCheck(t *testing.T) {
	sd := newFakeStableDiffusion(t)
	sd.censoredImage = true
	g := newTestStableDiffusion(t, sd, nil)
	g.safetyCheck = false

	_, err := g.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Zero(t, sd.censorCalls)
}

func TestStableDiffusionUpload(t *testing.T) {
	sd := newFakeStableDiffusion(t)
	store := newFakeStore()
	g := newTestStableDiffusion(t, sd, store)

	img, err := g.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Nil(t, img.Data)
	assert.True(t, strings.HasPrefix(img.URL, testStoreBaseURL+"/"+DefaultS3ImagePrefix+"diffusion_"))

	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, testPNG, store.objects[keys[0]])
	assert.Equal(t, imageContentTypePNG, store.types[keys[0]])

	// upload failures fall back to an attachment
	store.uploadErr = errors.New("s3 down")
	img, err = g.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, testPNG, img.Data)
	assert.Empty(t, img.URL)
}

type fakeDalle struct {
	url     string
	err     error
	prompts []string
	sizes   []string
}

func (f *fakeDalle) GenerateImage(_ context.Context, prompt string, size string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.sizes = append(f.sizes, size)
	return f.url, f.err
}

func TestDalleGenerate(t *testing.T) {
	client := &fakeDalle{url: "https://images.example.com/tmp.png"}
	g := &DalleGenerator{client: client, defaultSize: "1792x1024", logger: discardLogger()}

	img, err := g.Generate(
		context.Background(),
		ImageRequest{Prompt: "a castle", NegativePrompt: "text", Size: "640x480"},
	)
	require.NoError(t, err)
	assert.Equal(t, GeneratedImage{URL: "https://images.example.com/tmp.png"}, img)
	assert.Equal(t, []string{"a castle. Avoid: text"}, client.prompts)
	assert.Equal(t, []string{"1792x1024"}, client.sizes)

	_, err = g.Generate(context.Background(), ImageRequest{Prompt: "a castle", Size: "1024x1792"})
	require.NoError(t, err)
	assert.Equal(t, "1024x1792", client.sizes[1])

	g.defaultSize = ""
	_, err = g.Generate(context.Background(), ImageRequest{Prompt: "a castle"})
	require.NoError(t, err)
	assert.Equal(t, DefaultImageSize, client.sizes[2])

	client.err = &RateLimitError{Service: "openai_image"}
	_, err = g.Generate(context.Background(), ImageRequest{Prompt: "a castle"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDalleGenerateReuploads(t *testing.T) {
	imgSrv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/missing.png" {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write(testPNG)
			},
		),
	)
	t.Cleanup(imgSrv.Close)

	store := newFakeStore()
	client := &fakeDalle{url: imgSrv.URL + "/tmp.png"}
	g := &DalleGenerator{
		client:      client,
		store:       store,
		prefix:      "generated/",
		defaultSize: DefaultImageSize,
		httpClient:  imgSrv.Client(),
		logger:      discardLogger(),
	}

	img, err := g.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(img.URL, testStoreBaseURL+"/generated/dalle_"))
	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, testPNG, store.objects[keys[0]])

	// a failed download links the original
	client.url = imgSrv.URL + "/missing.png"
	img, err = g.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, imgSrv.URL+"/missing.png", img.URL)
}

func TestImageGeneratorFromConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	hosted, err := NewHostedAPIClient(cfg.Model, nil, nil, "firebot")
	require.NoError(t, err)

	cfg.Image.Backend = ImageBackendDisabled
	g, err := imageGeneratorFromConfig(cfg.Image, hosted, nil, "", nil, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, g)

	cfg.Image.Backend = ImageBackendDalle
	g, err = imageGeneratorFromConfig(cfg.Image, hosted, nil, "", nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ImageBackendDalle, g.Name())

	_, err = imageGeneratorFromConfig(cfg.Image, &fakeModel{}, nil, "", nil, discardLogger())
	assert.ErrorIs(t, err, ErrConfig)

	cfg.Image.Backend = ImageBackendStableDiffusion
	g, err = imageGeneratorFromConfig(cfg.Image, &fakeModel{}, nil, "", nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ImageBackendStableDiffusion, g.Name())

	cfg.Image.Backend = "midjourney"
	_, err = imageGeneratorFromConfig(cfg.Image, hosted, nil, "", nil, discardLogger())
	assert.ErrorIs(t, err, ErrConfig)
}
