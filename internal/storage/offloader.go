package storage

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/opendesk-io/opendesk-ce/internal/config"
)

// Signature blocks blow up HTML size and inline-style counts without carrying
// ticket content. Their density feeds the offload decision.
var signaturePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)gmail_signature`),
	regexp.MustCompile(`(?i)Sent from my \w+`),
	regexp.MustCompile(`(?i)<div[^>]+id="?Signature"?`),
	regexp.MustCompile(`(?i)x_?OWAAutoSig`),
}

// Offloader decides whether comment HTML stays inline or moves to the
// configured backend, and resolves stored content back to HTML for readers.
type Offloader struct {
	backend Backend
	cfg     config.OffloadConfig
	logger  *log.Logger
}

// OffloaderOption customizes an Offloader.
type OffloaderOption func(*Offloader)

// NewOffloader builds an Offloader over the given backend.
func NewOffloader(backend Backend, cfg config.OffloadConfig, opts ...OffloaderOption) *Offloader {
	o := &Offloader{
		backend: backend,
		cfg:     cfg,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// WithOffloaderLogger overrides the logger used for diagnostics.
func WithOffloaderLogger(logger *log.Logger) OffloaderOption {
	return func(o *Offloader) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Place stores the HTML according to the offload policy and returns the
// resulting Content. The key scope groups related objects (one ticket's
// comments share a prefix).
func (o *Offloader) Place(ctx context.Context, scope, htmlBody string) (Content, error) {
	if !o.shouldOffload(htmlBody) {
		return InlineContent(htmlBody), nil
	}
	if o.backend == nil {
		o.logf("offload: no backend configured, keeping %d bytes inline", len(htmlBody))
		return InlineContent(htmlBody), nil
	}
	key := fmt.Sprintf("%s/%s.html", strings.Trim(scope, "/"), uuid.NewString())
	url, err := o.backend.Store(ctx, key, "text/html; charset=utf-8", []byte(htmlBody))
	if err != nil {
		return Content{}, fmt.Errorf("offload: %w", err)
	}
	return ExternalContent(url), nil
}

// Effective resolves a persisted column value to displayable HTML,
// dereferencing the offload pointer when present.
func (o *Offloader) Effective(ctx context.Context, stored string) (string, error) {
	content := DecodeContent(stored)
	if !content.IsExternal() {
		return content.Inline, nil
	}
	if o.backend == nil {
		return "", fmt.Errorf("offload: external content %s but no backend configured", content.ExternalURL)
	}
	data, err := o.backend.Fetch(ctx, content.ExternalURL)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (o *Offloader) shouldOffload(htmlBody string) bool {
	if o.cfg.AlwaysOffload {
		return true
	}
	if len(htmlBody) > o.cfg.MaxInlineBytes {
		return true
	}
	if countInlineStyles(htmlBody) > o.cfg.MaxInlineStyles {
		return true
	}
	hits := 0
	for _, pat := range signaturePatterns {
		hits += len(pat.FindAllStringIndex(htmlBody, -1))
	}
	return hits > o.cfg.MaxSignatureHits
}

func countInlineStyles(htmlBody string) int {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlBody))
	count := 0
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return count
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		_, hasAttr := tokenizer.TagName()
		for hasAttr {
			key, _, more := tokenizer.TagAttr()
			if string(key) == "style" {
				count++
			}
			if !more {
				break
			}
		}
	}
}

func (o *Offloader) logf(format string, args ...any) {
	if o == nil || o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
