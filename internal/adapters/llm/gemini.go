package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/threadchat/internal/domain"
)

const maxOutputTokens = int32(8192)

// GeminiConfig selects the backend and models of a GeminiClient.
type GeminiConfig struct {
	// Vertex uses Vertex AI with application default credentials instead of
	// the per-user API key from the settings.
	Vertex    bool
	ProjectID string
	Location  string

	Profiles    Profiles
	PersonaName string
}

// GeminiClient implements domain.GenerationClient on top of genai. Clients
// are cached per API key; in Vertex mode one client serves every session.
type GeminiClient struct {
	cfg GeminiConfig
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*genai.Client
	vertex  *genai.Client
}

// NewGeminiClient creates the adapter. In Vertex mode the genai client is
// created right away so misconfiguration fails at startup.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	c := &GeminiClient{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*genai.Client),
	}

	if cfg.Vertex {
		if cfg.ProjectID == "" || cfg.Location == "" {
			return nil, fmt.Errorf("project and location must be set for Vertex AI")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			Project:  cfg.ProjectID,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		})
		if err != nil {
			return nil, fmt.Errorf("creating Vertex AI client: %w", err)
		}
		c.vertex = client
	}

	return c, nil
}

func (c *GeminiClient) clientFor(ctx context.Context, credential string) (*genai.Client, error) {
	if c.vertex != nil {
		return c.vertex, nil
	}
	if credential == "" {
		return nil, domain.NewGenerationError(domain.KindInvalidCredential, errors.New("no API key configured"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[credential]; ok {
		return client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("creating Gemini client: %w", err))
	}
	c.clients[credential] = client
	return client, nil
}

// OpenSession binds a session to the given credential, locale and mode.
func (c *GeminiClient) OpenSession(ctx context.Context, cfg domain.SessionConfig) (domain.GenerationSession, error) {
	client, err := c.clientFor(ctx, cfg.Credential)
	if err != nil {
		return nil, err
	}

	profile := c.cfg.Profiles.For(cfg.Mode)
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildSystemPrompt(c.cfg.PersonaName, cfg, c.now()), genai.RoleUser),
		Temperature:       genai.Ptr(profile.Temperature),
		TopP:              genai.Ptr(profile.TopP),
		TopK:              genai.Ptr(profile.TopK),
		MaxOutputTokens:   maxOutputTokens,
	}
	if cfg.SearchEnabled {
		genCfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	return &geminiSession{
		client: client,
		model:  profile.Model,
		config: genCfg,
	}, nil
}

type geminiSession struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// StreamTurn yields the text of every streamed chunk. Chunks without text
// (search metadata, safety info) are skipped.
func (s *geminiSession) StreamTurn(ctx context.Context, turn domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := BuildContents(turn)

		for resp, err := range s.client.Models.GenerateContentStream(ctx, s.model, contents, s.config) {
			if err != nil {
				yield("", classify(err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// BuildContents converts history plus the new turn into genai contents.
func BuildContents(turn domain.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turn.History)+1)
	for _, m := range turn.History {
		// Empty model replies carry nothing and are rejected by the API.
		if m.Text == "" && m.Attachment == nil {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == domain.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(messageParts(m.Text, m.Attachment), role))
	}

	contents = append(contents, genai.NewContentFromParts(messageParts(turn.Text, turn.Attachment), genai.RoleUser))
	return contents
}

func messageParts(text string, att *domain.Attachment) []*genai.Part {
	var parts []*genai.Part
	if att != nil && len(att.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MIMEType))
	}
	if text != "" {
		parts = append(parts, genai.NewPartFromText(text))
	}
	return parts
}

// classify maps API and transport failures onto the domain taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var genErr *domain.GenerationError
	if errors.As(err, &genErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewGenerationError(domain.KindCanceled, err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewGenerationError(kindForAPIError(apiErr), err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return domain.NewGenerationError(kindForAPIError(*apiErrPtr), err)
	}

	if st, ok := status.FromError(err); ok {
		return domain.NewGenerationError(kindForCode(st.Code()), err)
	}

	return domain.NewGenerationError(domain.KindTransport, err)
}

func kindForAPIError(e genai.APIError) domain.ErrorKind {
	switch strings.ToUpper(e.Status) {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return domain.KindInvalidCredential
	case "RESOURCE_EXHAUSTED":
		return domain.KindQuotaExceeded
	case "NOT_FOUND", "UNAVAILABLE":
		return domain.KindResourceUnavailable
	}

	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.KindInvalidCredential
	case http.StatusBadRequest:
		// An invalid key comes back as INVALID_ARGUMENT.
		if strings.Contains(strings.ToLower(e.Message), "api key") {
			return domain.KindInvalidCredential
		}
	case http.StatusTooManyRequests:
		return domain.KindQuotaExceeded
	case http.StatusNotFound, http.StatusServiceUnavailable:
		return domain.KindResourceUnavailable
	}
	return domain.KindTransport
}

func kindForCode(code codes.Code) domain.ErrorKind {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return domain.KindInvalidCredential
	case codes.ResourceExhausted:
		return domain.KindQuotaExceeded
	case codes.NotFound, codes.Unavailable:
		return domain.KindResourceUnavailable
	case codes.Canceled:
		return domain.KindCanceled
	default:
		return domain.KindTransport
	}
}
