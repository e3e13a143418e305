// Package device owns everything the transfer channels share: the storage
// bus, the card, the caches and stores derived from it, the three upload
// sessions and the render task. It replaces process-wide singletons with one
// explicit context that is built once and passed down.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crosspoint-transfer/internal/config"
	"crosspoint-transfer/internal/discovery"
	"crosspoint-transfer/internal/doccache"
	"crosspoint-transfer/internal/files"
	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/httpapi"
	"crosspoint-transfer/internal/library"
	"crosspoint-transfer/internal/metrics"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/render"
	"crosspoint-transfer/internal/spibus"
	"crosspoint-transfer/internal/transfer"
	"crosspoint-transfer/internal/usbserial"
	"crosspoint-transfer/internal/version"
	"crosspoint-transfer/internal/wsupload"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	statusHistory     = 10
)

type Device struct {
	cfg     config.Config
	log     *zap.Logger
	started time.Time

	metrics  *metrics.Metrics
	bus      *spibus.Bus
	store    *fsops.Storage
	watchdog spibus.Watchdog
	soft     *spibus.SoftWatchdog
	cache    *doccache.Cache
	recent   *library.RecentStore
	settings *library.Settings
	wifi     *library.WifiStore
	history  *transfer.History
	files    *files.Manager
	usage    *usageCache

	httpSession *transfer.Session
	wsSession   *transfer.Session
	usbSession  *transfer.Session

	web      *httpapi.Channel
	ws       *wsupload.Channel
	wsServer *wsupload.Server
	screen   *statusScreen
	render   *render.Task
}

// New validates cfg and builds the device. Nothing is bound or started
// until Run or Serve.
func New(cfg config.Config, log *zap.Logger) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := config.EnsureRoot(cfg.StorageRoot); err != nil {
		return nil, fmt.Errorf("storage root %s: %w", cfg.StorageRoot, err)
	}

	d := &Device{
		cfg:     cfg,
		log:     log,
		started: time.Now(),
		history: transfer.NewHistory(cfg.HistorySize),
		usage:   newUsageCache(0),
	}
	if cfg.EnableMetrics {
		d.metrics = metrics.New()
	}
	d.bus = spibus.New(
		spibus.WithLogger(log.Named("bus")),
		spibus.WithWaitObserver(d.metrics.BusWait()),
		spibus.WithSlowThreshold(time.Duration(cfg.BusSlowWarnMs)*time.Millisecond),
	)
	store, err := fsops.New(cfg.StorageRoot, d.bus)
	if err != nil {
		return nil, err
	}
	d.store = store

	d.watchdog = spibus.NopWatchdog{}
	if cfg.Watchdog.Enabled {
		d.soft = spibus.NewSoftWatchdog(time.Duration(cfg.Watchdog.TimeoutSec)*time.Second, log.Named("watchdog"))
		d.watchdog = d.soft
	}

	hidden := append([]string{cfg.MetadataDir}, cfg.HiddenItems...)
	prot := pathutil.NewProtector(hidden, true)
	d.cache = doccache.New(store, cfg.MetadataDir,
		time.Duration(cfg.Cache.TTLSec)*time.Second,
		time.Duration(cfg.Cache.CleanupSec)*time.Second,
		log.Named("cache"))

	d.recent = library.NewRecentStore(store, cfg.MetadataDir)
	d.settings = library.NewSettings(store, cfg.MetadataDir)
	d.wifi = library.NewWifiStore(store, cfg.MetadataDir)
	for name, load := range map[string]func() error{
		"recent":   d.recent.Load,
		"settings": d.settings.Load,
		"wifi":     d.wifi.Load,
	} {
		if err := load(); err != nil {
			log.Warn("store not loaded, starting empty", zap.String("store", name), zap.Error(err))
		}
	}

	sessionLog := log.Named("session")
	newSession := func(channel string, maxSize int64) *transfer.Session {
		return transfer.NewSession(store, transfer.Options{
			Channel:     channel,
			BufferSize:  cfg.UploadBufferBytes,
			MaxSize:     maxSize,
			Protector:   prot,
			Invalidator: d.cache,
			Watchdog:    d.watchdog,
			Metrics:     d.metrics,
			History:     d.history,
			Logger:      sessionLog.With(zap.String("channel", channel)),
		})
	}
	d.httpSession = newSession(httpapi.ChannelName, 0)
	d.wsSession = newSession(wsupload.ChannelName, cfg.WSMaxUploadBytes)
	d.usbSession = newSession(usbserial.ChannelName, cfg.USBMaxUploadBytes)

	d.files = files.NewManager(store, prot, d.cache, d.watchdog, log.Named("path"))

	d.web = httpapi.New(httpapi.Options{
		Files:            d.files,
		Session:          d.httpSession,
		Recent:           d.recent,
		Settings:         d.settings,
		Wifi:             d.wifi,
		Covers:           d,
		Metrics:          d.metrics,
		Watchdog:         d.watchdog,
		Logger:           log.Named("web"),
		ChunkSize:        cfg.DownloadChunkBytes,
		Status:           func() any { return d.Status() },
		OnUploadComplete: d.uploadComplete,
	})
	d.ws = wsupload.New(wsupload.Options{
		Session:          d.wsSession,
		Store:            store,
		History:          d.history,
		Metrics:          d.metrics,
		Logger:           log.Named("ws"),
		ControlLimit:     cfg.WSMaxControlBytes,
		ProgressStep:     cfg.WSProgressStepBytes,
		CheckFreeSpace:   cfg.CheckFreeSpace,
		OnUploadComplete: d.uploadComplete,
	})
	d.wsServer = wsupload.NewServer(d.ws, 0, log.Named("ws"))

	d.screen = &statusScreen{d: d}
	if cfg.Render.Enabled {
		d.render = render.New(d.bus, d.screen, render.Options{
			Interval:    time.Duration(cfg.Render.IntervalMs) * time.Millisecond,
			WaitTimeout: time.Duration(cfg.Render.WaitTimeoutMs) * time.Millisecond,
			Metrics:     d.metrics,
			Logger:      log.Named("render"),
		})
	}
	return d, nil
}

func (d *Device) Storage() *fsops.Storage { return d.store }

// NewUSB builds a serial protocol instance writing replies to w. It shares
// the device's USB upload session.
func (d *Device) NewUSB(w io.Writer) *usbserial.Protocol {
	return usbserial.New(w, usbserial.Options{
		Files:            d.files,
		Session:          d.usbSession,
		Recent:           d.recent,
		Settings:         d.settings,
		Wifi:             d.wifi,
		Covers:           d,
		Metrics:          d.metrics,
		Watchdog:         d.watchdog,
		Logger:           d.log.Named("usb"),
		LineBuffer:       d.cfg.USBLineBufferBytes,
		ChunkRaw:         d.cfg.USBChunkRawBytes,
		MaxChunkB64:      d.cfg.USBMaxChunkB64Chars,
		CheckFreeSpace:   d.cfg.CheckFreeSpace,
		Status:           d.Status,
		OnUploadComplete: d.uploadComplete,
	})
}

// CoverFor resolves the cover image of a document: the path the reader
// remembered for a recent book first, then the document cache.
func (d *Device) CoverFor(doc string) (string, bool) {
	doc = pathutil.Normalize(doc)
	if b, ok := d.recent.Lookup(doc); ok && b.CoverPath != "" {
		return b.CoverPath, true
	}
	return d.cache.CoverPath(doc)
}

func (d *Device) uploadComplete(p string) {
	d.usage.invalidate()
	if d.render != nil {
		d.render.RequestUpdate()
	}
	d.log.Info("upload complete", zap.String("path", p))
}

// Refresh redraws the screen and waits for the frame. It reports false when
// rendering is disabled or the frame was not acknowledged in time.
func (d *Device) Refresh(ctx context.Context) bool {
	if d.render == nil {
		return false
	}
	return d.render.RequestUpdateAndWait(ctx)
}

// Frame is the last frame shown on the display.
func (d *Device) Frame() string { return d.screen.last() }

func (d *Device) sessions() []*transfer.Session {
	return []*transfer.Session{d.httpSession, d.wsSession, d.usbSession}
}

func (d *Device) resetSessions(reason string) {
	for _, s := range d.sessions() {
		s.Reset(reason)
	}
}

// Status is the document behind GET /api/status and the USB status command.
func (d *Device) Status() map[string]any {
	var active []transfer.Progress
	for _, s := range d.sessions() {
		if p := s.Progress(); p.Status == transfer.Active.String() {
			active = append(active, p)
		}
	}
	st := map[string]any{
		"version":  version.Get().Version,
		"mode":     "STA",
		"hostname": d.cfg.Hostname,
		"uptime":   int64(time.Since(d.started) / time.Second),
		"wsUpload": d.ws.Status(),
		"sessions": active,
		"uploads":  d.history.Snapshot(statusHistory),
	}
	if total, free, err := d.diskUsage(); err == nil {
		st["totalBytes"] = total
		st["freeBytes"] = free
	} else {
		d.log.Debug("disk usage unavailable", zap.Error(err))
	}
	if b, ok := d.recent.Current(); ok {
		st["openBook"] = b.Path
	}
	if d.render != nil {
		st["frames"] = d.render.Frames()
	}
	if d.soft != nil {
		st["watchdogMisses"] = d.soft.Misses()
	}
	return st
}

// Run binds the HTTP and WebSocket listeners, failing early when either
// port is taken, then serves until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Listen, err)
	}
	wsLn, err := net.Listen("tcp", d.cfg.WSListen)
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("listen %s: %w", d.cfg.WSListen, err)
	}
	return d.Serve(ctx, httpLn, wsLn)
}

// Serve runs every device loop on the given listeners. The first loop to
// fail cancels the others; on return all upload sessions are reset.
func (d *Device) Serve(ctx context.Context, httpLn, wsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	web := &http.Server{Handler: d.web.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	wsHTTP := &http.Server{Handler: d.wsServer, ReadHeaderTimeout: readHeaderTimeout}
	d.log.Info("http listening", zap.Stringer("addr", httpLn.Addr()))
	d.log.Info("websocket listening", zap.Stringer("addr", wsLn.Addr()))

	g.Go(func() error { return serveHTTP(web, httpLn) })
	g.Go(func() error { return serveHTTP(wsHTTP, wsLn) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(web.Shutdown(sctx), wsHTTP.Shutdown(sctx))
	})
	g.Go(func() error { return d.wsServer.Run(gctx) })

	if d.render != nil {
		g.Go(func() error { return d.render.Run(gctx) })
		d.render.RequestUpdate()
	}
	if d.soft != nil {
		g.Go(func() error { return d.soft.Run(gctx) })
	}
	if d.cfg.Discovery.Enabled {
		r, err := discovery.Listen(discovery.Options{
			UDPPort:         d.cfg.Discovery.UDPPort,
			Hostname:        d.cfg.Hostname,
			WSListen:        wsLn.Addr().String(),
			LanOnly:         d.cfg.Discovery.LanOnly,
			RateLimitPerSec: d.cfg.Discovery.RateLimitPerSec,
			Logger:          d.log.Named("discovery"),
		})
		if err != nil {
			d.log.Warn("discovery disabled", zap.Error(err))
		} else {
			g.Go(func() error { return r.Serve(gctx) })
		}
	}
	if d.cfg.Serial.Enabled {
		g.Go(func() error {
			d.runSerial(gctx)
			return nil
		})
	}

	err := g.Wait()
	d.resetSessions("shutdown")
	return err
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runSerial serves the USB command link. A missing or failing port is
// logged and leaves the other channels running.
func (d *Device) runSerial(ctx context.Context) {
	log := d.log.Named("usb")
	port, err := usbserial.OpenPort(d.cfg.Serial.Port, d.cfg.Serial.Baud)
	if err != nil {
		log.Warn("serial port unavailable", zap.String("port", d.cfg.Serial.Port), zap.Error(err))
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer stop()
	defer port.Close()
	log.Info("serial link open", zap.String("port", d.cfg.Serial.Port), zap.Int("baud", d.cfg.Serial.Baud))

	p := d.NewUSB(port)
	p.Reset()
	d.Refresh(ctx)
	err = p.Run(ctx, port)
	p.Reset()
	if err != nil && ctx.Err() == nil {
		log.Warn("serial link closed", zap.Error(err))
	}
}
