// Package browser implements ServiceAdapter for browser-automated AI
// services using a headless Chrome driven over the DevTools protocol. The
// persistent user-data dir keeps the service's login session alive across
// runs; it is owned by the session store and guarded by the per-service lock.
package browser

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"github.com/google/uuid"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/session"
)

// Adapter drives one browser-automated service.
type Adapter struct {
	serviceID string
	cfg       config.ServiceConfig
	profiles  *session.FileStore
	poller    adapter.StabilityPoller
	logger    *log.Logger
}

// New builds a browser adapter for the given service.
func New(serviceID string, cfg config.ServiceConfig, profiles *session.FileStore, poller adapter.StabilityPoller) *Adapter {
	return &Adapter{
		serviceID: serviceID,
		cfg:       cfg,
		profiles:  profiles,
		poller:    poller,
		logger:    log.New(log.Writer(), fmt.Sprintf("[BROWSER %s] ", serviceID), log.LstdFlags),
	}
}

func (a *Adapter) ServiceID() string { return a.serviceID }

type handle struct {
	serviceID string
	browser   context.Context
	cancel    func()
}

func (h *handle) ServiceID() string { return h.serviceID }
func (h *handle) Close() error {
	h.cancel()
	return nil
}

type attempt struct {
	id           string
	handle       *handle
	responseSel  string
	submitted    time.Time
	baselineSize int
}

func (t *attempt) ID() string { return t.id }

// Open starts a browser context on the service's persistent profile and
// navigates to the service URL.
func (a *Adapter) Open(ctx context.Context) (adapter.OpenHandle, error) {
	dir, err := a.profiles.ProfileDir(a.serviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrSessionUnavailable, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.UserDataDir(dir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	bctx, cancelBrowser := chromedp.NewContext(actx)
	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	navCtx, navCancel := context.WithTimeout(bctx, 30*time.Second)
	defer navCancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(a.cfg.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: navigating to %s: %v", adapter.ErrSessionUnavailable, a.cfg.URL, err)
	}

	return &handle{serviceID: a.serviceID, browser: bctx, cancel: cancel}, nil
}

// IsAuthenticated checks for any configured authenticated-only marker.
func (a *Adapter) IsAuthenticated(ctx context.Context, oh adapter.OpenHandle) (bool, error) {
	h, ok := oh.(*handle)
	if !ok {
		return false, fmt.Errorf("browser: foreign handle type %T", oh)
	}
	for _, marker := range a.cfg.AuthMarkers {
		found, err := a.selectorPresent(h, marker)
		if err != nil {
			continue
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// SubmitQuery locates the text entry point via the configured selector
// strategies, types the prompt and submits it.
func (a *Adapter) SubmitQuery(ctx context.Context, oh adapter.OpenHandle, text string) (adapter.AttemptHandle, error) {
	h, ok := oh.(*handle)
	if !ok {
		return nil, fmt.Errorf("browser: foreign handle type %T", oh)
	}

	inputSel, err := adapter.Detect(ctx, adapter.ErrInputUnavailable, a.selectorStrategies(h, a.cfg.InputSelectors))
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithTimeout(h.browser, 20*time.Second)
	defer cancel()
	if err := chromedp.Run(subCtx,
		chromedp.Click(inputSel, chromedp.ByQuery),
		chromedp.SendKeys(inputSel, text, chromedp.ByQuery),
		chromedp.KeyEvent("\r"),
	); err != nil {
		return nil, fmt.Errorf("%w: typing into %s: %v", adapter.ErrInputUnavailable, inputSel, err)
	}

	// The response region may not exist until the service starts answering,
	// so its detection is deferred to AwaitResponse.
	responseSel := ""
	if len(a.cfg.ResponseSelectors) > 0 {
		responseSel, _ = adapter.Detect(ctx, adapter.ErrInputUnavailable, a.selectorStrategies(h, a.cfg.ResponseSelectors))
	}
	baseline := 0
	if responseSel != "" {
		baseline, _ = a.textLength(h, responseSel)
	}

	return &attempt{
		id:           uuid.NewString(),
		handle:       h,
		responseSel:  responseSel,
		submitted:    time.Now(),
		baselineSize: baseline,
	}, nil
}

// AwaitResponse polls the response region until it stops growing.
func (a *Adapter) AwaitResponse(ctx context.Context, ah adapter.AttemptHandle, timeout time.Duration) (adapter.RawResponse, error) {
	t, ok := ah.(*attempt)
	if !ok {
		return adapter.RawResponse{}, fmt.Errorf("browser: foreign attempt type %T", ah)
	}
	h := t.handle

	if t.responseSel == "" {
		sel, err := adapter.Detect(ctx, adapter.ErrTimeout, a.selectorStrategies(h, a.cfg.ResponseSelectors))
		if err != nil {
			return adapter.RawResponse{}, err
		}
		t.responseSel = sel
	}

	err := a.poller.Wait(ctx, timeout, func(ctx context.Context) (int, error) {
		size, err := a.textLength(h, t.responseSel)
		if err != nil {
			return 0, err
		}
		// Only growth past the pre-submission content counts.
		return size - t.baselineSize, nil
	})
	if err != nil {
		return adapter.RawResponse{}, err
	}

	var text, html string
	readCtx, cancel := context.WithTimeout(h.browser, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(readCtx,
		chromedp.Text(t.responseSel, &text, chromedp.ByQuery),
		chromedp.OuterHTML(t.responseSel, &html, chromedp.ByQuery),
	); err != nil {
		return adapter.RawResponse{}, fmt.Errorf("%w: reading response region: %v", adapter.ErrTimeout, err)
	}

	// Readability cleans chrome out of the captured region when it parses;
	// the raw text is the fallback.
	if article, err := readability.FromReader(strings.NewReader(html), mustParseURL(a.cfg.URL)); err == nil {
		if cleaned := strings.TrimSpace(article.TextContent); len(cleaned) > 0 {
			text = cleaned
		}
	}

	return adapter.RawResponse{
		Text:        strings.TrimSpace(text),
		HTML:        html,
		CompletedAt: time.Now().UTC(),
	}, nil
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// ExtractCitations collects anchor targets from the response region plus any
// bare URLs in the text.
func (a *Adapter) ExtractCitations(r adapter.RawResponse) []adapter.Citation {
	seen := make(map[string]struct{})
	var out []adapter.Citation
	for _, m := range hrefPattern.FindAllStringSubmatch(r.HTML, -1) {
		u := m[1]
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, adapter.Citation{URL: u})
	}
	for _, c := range adapter.CitationsFromText(r.Text) {
		if _, ok := seen[c.URL]; ok {
			continue
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Probe satisfies session.Prober for background revalidation.
func (a *Adapter) Probe(ctx context.Context, serviceID string) (bool, error) {
	oh, err := a.Open(ctx)
	if err != nil {
		return false, err
	}
	defer oh.Close()
	return a.IsAuthenticated(ctx, oh)
}

// selectorStrategies wraps CSS selectors as ordered detection strategies.
func (a *Adapter) selectorStrategies(h *handle, selectors []string) []adapter.DetectionStrategy {
	out := make([]adapter.DetectionStrategy, 0, len(selectors))
	for _, sel := range selectors {
		sel := sel
		out = append(out, adapter.DetectionStrategy{
			Name: sel,
			Locate: func(ctx context.Context) (string, error) {
				found, err := a.selectorPresent(h, sel)
				if err != nil {
					return "", err
				}
				if !found {
					return "", fmt.Errorf("selector %q not present", sel)
				}
				return sel, nil
			},
		})
	}
	return out
}

func (a *Adapter) selectorPresent(h *handle, sel string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(h.browser, 5*time.Second)
	defer cancel()
	var found bool
	err := chromedp.Run(probeCtx,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, sel), &found),
	)
	return found, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

func (a *Adapter) textLength(h *handle, sel string) (int, error) {
	probeCtx, cancel := context.WithTimeout(h.browser, 5*time.Second)
	defer cancel()
	var n int
	err := chromedp.Run(probeCtx,
		chromedp.Evaluate(fmt.Sprintf(`(document.querySelector(%q)?.innerText || "").length`, sel), &n),
	)
	return n, err
}
