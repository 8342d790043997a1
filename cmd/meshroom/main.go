// Command meshroom runs one participant node: it joins a room over the
// websocket transport, serves health and diagnostics endpoints, and keeps
// the session alive until interrupted.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"meshroom/directory"
	"meshroom/grid"
	"meshroom/logging"
	"meshroom/logging/sinks"
	"meshroom/session"
	"meshroom/transport/wsnet"
)

type config struct {
	RoomID   string `env:"ROOM_ID" envDefault:"lobby"`
	StableID string `env:"STABLE_ID,required"`
	Label    string `env:"DISPLAY_LABEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:9100"`
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`

	// Peers maps stable ids to their channel listen addresses, e.g.
	// PEERS=alice:127.0.0.1:9100,bob:127.0.0.1:9101
	Peers map[string]string `env:"PEERS"`

	MapWidth  int `env:"MAP_WIDTH" envDefault:"40"`
	MapHeight int `env:"MAP_HEIGHT" envDefault:"30"`
	TickRate  int `env:"TICK_RATE" envDefault:"15"`

	MicEnabled bool `env:"MIC_ENABLED"`

	LogSinks    []string `env:"LOG_SINKS" envSeparator:"," envDefault:"console"`
	LogJSONPath string   `env:"LOG_JSON_PATH"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	publisher, closeLogs := buildPublisher(cfg)
	defer closeLogs()

	book := wsnet.StaticBook{}
	book[directory.EndpointID(cfg.RoomID, cfg.StableID)] = cfg.ListenAddr
	for stableID, addr := range cfg.Peers {
		book[directory.EndpointID(cfg.RoomID, stableID)] = addr
	}

	// The real room directory is an external service; a static node runs on
	// an in-memory directory seeded from the configured peer list.
	dir := directory.NewInMemory()
	ctx := context.Background()
	for stableID := range cfg.Peers {
		dir.Join(ctx, cfg.RoomID, stableID)
		dir.SetProfile(stableID, directory.Profile{Label: stableID, Handle: "@" + stableID})
	}
	dir.SetProfile(cfg.StableID, directory.Profile{Label: cfg.Label, Handle: "@" + cfg.StableID})

	worldMap := grid.NewMap(cfg.MapWidth, cfg.MapHeight)

	sess, err := session.Join(ctx, session.Config{
		RoomID:    cfg.RoomID,
		StableID:  cfg.StableID,
		Label:     cfg.Label,
		Network:   wsnet.New(book),
		Directory: dir,
		Profiles:  dir,
		Outfits:   dir,
		Map:       worldMap,
		Publisher: publisher,
		TickRate:  cfg.TickRate,
	})
	if err != nil {
		log.Fatalf("join failed: %v", err)
	}
	sess.MarkWorldLoaded()
	sess.MarkAssetsLoaded()
	sess.SetMicEnabled(cfg.MicEnabled)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		percent, ready := sess.Progress()
		payload := struct {
			Status    string                    `json:"status"`
			Time      int64                     `json:"serverTime"`
			Percent   float64                   `json:"progressPercent"`
			Ready     bool                      `json:"ready"`
			Peers     []session.DiagnosticsPeer `json:"peers"`
			Telemetry session.TelemetrySnapshot `json:"telemetry"`
		}{
			Status:    "ok",
			Time:      time.Now().UnixMilli(),
			Percent:   percent,
			Ready:     ready,
			Peers:     sess.Diagnostics(),
			Telemetry: sess.Telemetry(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Leave(shutdownCtx); err != nil {
		log.Printf("leave: %v", err)
	}
	server.Shutdown(shutdownCtx)
}

func buildPublisher(cfg config) (logging.Publisher, func()) {
	logCfg := logging.DefaultConfig()
	logCfg.EnabledSinks = cfg.LogSinks
	logCfg.Fields = map[string]any{"room": cfg.RoomID, "participant": cfg.StableID}

	var named []logging.NamedSink
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: sinks.NewConsoleSink(os.Stdout)})
	}
	if logCfg.HasSink("json") && cfg.LogJSONPath != "" {
		file, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("json sink disabled: %v", err)
		} else {
			named = append(named, logging.NamedSink{Name: "json", Sink: sinks.NewJSON(file, logCfg.JSON.FlushInterval)})
		}
	}
	router := logging.NewRouter(nil, logCfg, named)
	return router, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		router.Close(ctx)
	}
}
