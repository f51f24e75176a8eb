package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// renderPageHTML launches a headless browser, waits for readiness and network idle, then returns HTML.
// The browser is torn down when ctx is cancelled or timeout elapses.
func renderPageHTML(parent context.Context, urlStr string, timeout time.Duration, waitSelector string, networkIdleAfter time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(defaultUserAgent),
	)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx, chromedp.Navigate(urlStr)); err != nil {
		return "", err
	}

	// soft-fail readiness checks; whatever is in the DOM afterwards is used
	softRun(browserCtx, 10*time.Second, chromedp.WaitReady("body", chromedp.ByQuery))
	if waitSelector != "" {
		softRun(browserCtx, 15*time.Second, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	}
	if networkIdleAfter > 0 {
		idleCap := networkIdleAfter
		if idleCap > 5*time.Second {
			idleCap = 5 * time.Second
		}
		softRun(browserCtx, idleCap+time.Second, waitForNetworkIdle(idleCap))
	}

	var html string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func softRun(ctx context.Context, limit time.Duration, action chromedp.Action) {
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	_ = chromedp.Run(stepCtx, action)
}

// waitForNetworkIdle waits until no network requests are in flight for the given duration
func waitForNetworkIdle(d time.Duration) chromedp.ActionFunc {
	// tracks last network activity via PerformanceObserver
	js := `(function(waitMs){
      return new Promise((resolve)=>{
        if (!('PerformanceObserver' in window)) {
          setTimeout(resolve, waitMs);
          return;
        }
        let last = Date.now();
        const obs = new PerformanceObserver(()=>{ last = Date.now(); });
        try { obs.observe({entryTypes:['resource','navigation']}); } catch(e) {}
        const tick = () => {
          if (Date.now()-last >= waitMs) { try { obs.disconnect(); } catch(e){} resolve(); return; }
          setTimeout(tick, 100);
        };
        tick();
      });
    })(%d);`
	return func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(js, int(d.Milliseconds())), nil, awaitPromise))
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}
