package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/go_func_utils"
	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/service"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

const (
	refreshInterval = 500 * time.Millisecond
	maxLogLines     = 500
)

// tui is the terminal consumer of the discovered devices and the telemetry
// snapshots: device list on the left, metrics and logs on the right
type tui struct {
	a   *app
	app *tview.Application

	deviceList *tview.List
	metrics    *tview.TextView
	logView    *tview.TextView

	mu      sync.Mutex
	devices []sensor.Device // in list order
	latest  *telemetry.Snapshot
}

func newTUI(a *app) *tui {
	ui := &tui{a: a, app: tview.NewApplication()}

	ui.deviceList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			ui.mu.Lock()
			if index >= len(ui.devices) {
				ui.mu.Unlock()
				return
			}
			selected := ui.devices[index]
			ui.mu.Unlock()
			a.logger.WithField("device", selected.Name).Infof("UI: selected %s", formatDevice(selected))
			a.controller.SetDevice(selected)
		})
	ui.deviceList.SetBorder(true).SetTitle(" Sensors (Enter to stream) ")

	ui.metrics = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.metrics.SetBorder(true).SetTitle(" Telemetry ")
	ui.metrics.SetText(formatMetrics(telemetry.Snapshot{}))

	// Don't redraw on change, the refresh loop draws
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false).
		SetMaxLines(maxLogLines)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	return ui
}

func (ui *tui) layout() tview.Primitive {
	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[yellow]S[white] Scan  |  [yellow]Enter[white] Stream  |  [yellow]X[white] Stop streaming  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit")

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.metrics, 0, 1, false).
		AddItem(ui.logView, 0, 1, false)

	body := tview.NewFlex().
		AddItem(ui.deviceList, 0, 1, true).
		AddItem(right, 0, 1, false)

	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(body, 0, 1, true)
}

func (ui *tui) setupKeys() {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			if ui.deviceList.HasFocus() {
				ui.app.SetFocus(ui.logView)
			} else {
				ui.app.SetFocus(ui.deviceList)
			}
			return nil
		case tcell.KeyEscape:
			ui.app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 's', 'S':
				ui.startScan()
				return nil
			case 'x', 'X':
				go_func_utils.SafeGo(ui.a.logger, ui.a.controller.Stop)
				return nil
			case 'q', 'Q':
				ui.app.Stop()
				return nil
			}
		}
		return event
	})
}

func (ui *tui) startScan() {
	err := ui.a.controller.StartScan(nil)
	switch {
	case err == nil:
		ui.a.logger.Info("UI: scanning")
	case errors.Is(err, service.ErrScanInProgress):
		ui.a.logger.Info("UI: already scanning")
	default:
		ui.a.logger.WithError(err).Error("UI: could not start scan")
	}
}

// refresh copies new devices and the latest snapshot into the widgets
func (ui *tui) refresh() {
	devices := ui.a.controller.Devices()

	ui.mu.Lock()
	added := devices[min(len(ui.devices), len(devices)):]
	ui.devices = devices
	latest := ui.latest
	ui.latest = nil
	ui.mu.Unlock()

	if len(added) == 0 && latest == nil {
		return
	}
	ui.app.QueueUpdateDraw(func() {
		for _, d := range added {
			ui.deviceList.AddItem(formatDevice(d), "", 0, nil)
		}
		if latest != nil {
			ui.metrics.SetText(formatMetrics(*latest))
		}
	})
}

func (ui *tui) watch(ctx context.Context) {
	snapshots := make(chan telemetry.Snapshot, 1)
	unlisten := ui.a.model.Listen(snapshots)
	defer unlisten()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-snapshots:
			ui.mu.Lock()
			ui.latest = &s
			ui.mu.Unlock()
		case <-ticker.C:
			ui.refresh()
		}
	}
}

// Run shows the UI until the user quits or ctx is cancelled
func (ui *tui) Run(ctx context.Context) error {
	hook := &logViewHook{out: ui.logView}
	ui.a.logger.AddHook(hook)
	defer hook.detach()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go_func_utils.SafeGo(ui.a.logger, func() {
		defer wg.Done()
		ui.watch(ctx)
	})
	go_func_utils.SafeGo(ui.a.logger, func() {
		<-ctx.Done()
		ui.app.Stop()
	})

	ui.setupKeys()
	ui.startScan()
	err := ui.app.SetRoot(ui.layout(), true).SetFocus(ui.deviceList).Run()

	cancel()
	wg.Wait()
	ui.a.controller.Stop()
	return err
}

// logViewHook mirrors log entries into the log pane
type logViewHook struct {
	mu  sync.Mutex
	out io.Writer
}

func (h *logViewHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (h *logViewHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == nil {
		return nil
	}
	color := "white"
	switch entry.Level {
	case logrus.WarnLevel:
		color = "yellow"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = "red"
	}
	_, err := fmt.Fprintf(h.out, "[gray]%s [%s]%s[white]\n",
		entry.Time.Format("15:04:05"), color, tview.Escape(entry.Message))
	return err
}

// detach stops writing to the pane once the UI is gone
func (h *logViewHook) detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out = nil
}
