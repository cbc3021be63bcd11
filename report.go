package serialtest

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/allbin/serial-test/internal/tui/styles"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Reporter renders periodic and final statistics for humans
type Reporter struct {
	mu    sync.Mutex
	w     io.Writer
	theme styles.Theme
	p     *message.Printer
}

// NewReporter creates a reporter writing to w. Styling is enabled only when
// w is a color capable terminal.
func NewReporter(w io.Writer) *Reporter {
	r := &Reporter{
		w:     w,
		theme: styles.New(lipgloss.NewRenderer(w)),
	}
	r.Localize(language.AmericanEnglish)
	return r
}

// Localize selects the number formatting used in reports
func (r *Reporter) Localize(tag language.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = message.NewPrinter(tag)
}

func (r *Reporter) line(label string, value string) {
	fmt.Fprintln(r.w, r.theme.Label.Render(label)+r.theme.Value.Render(value))
}

// Periodic prints the running counters and, when available, the driver's
// interrupt counters
func (r *Reporter) Periodic(snap Snapshot, icount *ICount) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts := []string{
		r.theme.Muted.Render(r.p.Sprintf("%6.1fs", snap.Elapsed().Seconds())),
		r.theme.Tx.Render(r.p.Sprintf("tx %d", snap.Written)),
		r.theme.Rx.Render(r.p.Sprintf("rx %d", snap.Read)),
	}
	errs := r.p.Sprintf("errors %d", snap.Errors)
	if snap.Errors > 0 {
		parts = append(parts, r.theme.Fail.Render(errs))
	} else {
		parts = append(parts, r.theme.Value.Render(errs))
	}
	fmt.Fprintln(r.w, strings.Join(parts, "  "))

	if icount != nil {
		fmt.Fprintln(r.w, r.theme.Muted.Render(r.p.Sprintf(
			"  icount rx %d tx %d frame %d overrun %d parity %d brk %d buf_overrun %d cts %d dsr %d rng %d dcd %d",
			icount.Rx, icount.Tx, icount.Frame, icount.Overrun, icount.Parity, icount.Brk,
			icount.BufOverrun, icount.CTS, icount.DSR, icount.RNG, icount.DCD)))
	}
}

// Dump prints received data as a hex dump
func (r *Reporter) Dump(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, r.theme.Rx.Render(strings.TrimRight(hex.Dump(data), "\n"))+"\n")
}

// Wrote prints the size of one transmit cycle
func (r *Reporter) Wrote(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.theme.Tx.Render(r.p.Sprintf("wrote %d bytes", n)))
}

// Final prints the end of run summary
func (r *Reporter) Final(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.w, r.theme.Title.Render("Summary"))
	if res.Interrupted {
		fmt.Fprintln(r.w, r.theme.Warn.Render("run interrupted"))
	}
	r.line("elapsed", res.Elapsed.Round(time.Millisecond).String())
	r.line("bytes written", r.p.Sprintf("%d", res.Written))
	r.line("bytes read", r.p.Sprintf("%d", res.Read))
	r.line("sequence errors", r.p.Sprintf("%d", res.Errors))

	kind := "standard"
	if !IsStandardBaud(res.Plan.Requested) {
		kind = "non-standard"
	}
	r.line("requested baud", r.p.Sprintf("%d (%s)", res.Plan.Requested, kind))
	if res.Plan.Strategy == StrategyDivisor {
		r.line("divisor", r.p.Sprintf("%d / %d = %d", res.Plan.BaseClock, res.Plan.Divisor, res.Plan.Rate))
	}
	r.line("speed strategy", res.Plan.Strategy.String())
	r.line("frame bits", r.p.Sprintf("%d", res.FrameBits))

	if res.EstimatedBaud > 0 {
		est := r.p.Sprintf("%.0f (%.2f%% off over %s)", res.EstimatedBaud, res.Deviation,
			res.RxDuration.Round(time.Millisecond))
		if res.BaudDeviates {
			fmt.Fprintln(r.w, r.theme.Label.Render("estimated baud")+r.theme.Warn.Render(est))
		} else {
			r.line("estimated baud", est)
		}
	} else {
		r.line("estimated baud", "n/a")
	}

	r.line("error count", r.p.Sprintf("%d", res.ErrorCount))
	verdict := "PASS"
	if res.ExitStatus != 0 {
		verdict = "FAIL"
	}
	fmt.Fprintln(r.w, r.theme.Label.Render("result")+
		r.theme.Verdict(res.ExitStatus).Render(fmt.Sprintf("%s (exit %d)", verdict, res.ExitStatus)))
}

// Fatal prints a setup or runtime failure together with its exit status
func (r *Reporter) Fatal(err error, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.theme.Fail.Render(fmt.Sprintf("FAIL: %v (exit %d)", err, status)))
}
