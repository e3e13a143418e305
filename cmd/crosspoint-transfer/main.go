package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"crosspoint-transfer/internal/config"
	"crosspoint-transfer/internal/device"
	"crosspoint-transfer/internal/version"
)

func main() {
	var configPath string
	var showVersion bool
	var logFile string

	// Default config location: ./config/config.json next to the binary.
	flag.StringVar(&configPath, "config", filepath.Join("config", "config.json"), "Path to config file (.json, .yaml or .yml)")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.StringVar(&logFile, "log-file", "", "Optional rotating log file (Windows default: ./logs/crosspoint.log next to the binary)")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	configProvided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configProvided = true
		}
	})

	if logFile == "" && runtime.GOOS == "windows" {
		logFile = filepath.Join(safeExeDir(), "logs", "crosspoint.log")
	}

	resolved, err := resolveConfigPath(configPath, configProvided)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to resolve config:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel, logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to set up logging:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("crosspoint-transfer starting",
		zap.String("version", version.Get().String()),
		zap.String("config", resolved),
		zap.String("storage_root", cfg.StorageRoot))

	dev, err := device.New(cfg, log)
	if err != nil {
		log.Fatal("device init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := dev.Run(ctx); err != nil {
		log.Fatal("stopped", zap.Error(err))
	}
	log.Info("shut down")
}

// newLogger logs to stdout and, when path is set, to a rotating file.
func newLogger(level, path string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), lvl),
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), lvl))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func safeExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	d := filepath.Dir(exe)
	if d == "" {
		return "."
	}
	return d
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// resolveConfigPath picks the config file:
// - an explicit -config is used as-is.
// - otherwise ./config/config.json next to the binary, then ./config.json
//   next to the binary, then config.json in the working directory.
// - if none exists, the preferred path is seeded from config.example.json
//   (next to the binary) or written from defaults.
func resolveConfigPath(flagValue string, configProvided bool) (string, error) {
	if configProvided {
		return flagValue, nil
	}
	exeDir := safeExeDir()
	preferred := filepath.Join(exeDir, "config", "config.json")
	for _, p := range []string{preferred, filepath.Join(exeDir, "config.json"), "config.json"} {
		if exists(p) {
			return p, nil
		}
	}

	for _, ex := range []string{
		filepath.Join(exeDir, "config", "config.example.json"),
		filepath.Join(exeDir, "config.example.json"),
	} {
		if exists(ex) {
			if err := copyFile(ex, preferred); err != nil {
				return "", fmt.Errorf("copy %s -> %s: %w", ex, preferred, err)
			}
			return preferred, nil
		}
	}

	b, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(preferred), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(preferred, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return preferred, nil
}
