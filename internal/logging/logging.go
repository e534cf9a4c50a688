package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tftpd/internal/config"
	"tftpd/internal/errors"
	"tftpd/internal/filesystem"
)

// SetupLogger initializes structured logging with file and console output
func SetupLogger(cfg *config.Config) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	}

	var out io.Writer = os.Stdout
	if cfg.LogDir != "" {
		if err := filesystem.EnsureDirectoryExists(cfg.LogDir); err != nil {
			return err
		}

		logFileName := filepath.Join(cfg.LogDir,
			"tftpd_"+time.Now().Format("20060102_150405")+".log")

		logFile, err := os.Create(logFileName)
		if err != nil {
			// Continue with console logging only
			slog.Warn("Failed to create log file, using console only", "error", err)
		} else {
			out = io.MultiWriter(os.Stdout, logFile)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))

	slog.Info("Logging initialized", "level", level.String(), "log_dir", cfg.LogDir)
	return nil
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	if cfg.IsServer() {
		slog.Info("Server configuration",
			"listen_address", cfg.Address(),
			"root", cfg.Root,
			"workers", cfg.Workers,
			"timeout_seconds", cfg.Timeout.Seconds(),
			"retries", cfg.Retries,
			"metrics_address", cfg.MetricsAddr,
			"shutdown_grace_seconds", cfg.ShutdownGrace.Seconds(),
			"watch", cfg.Watch)
		return
	}

	slog.Info("Client configuration",
		"server_address", cfg.Address(),
		"timeout_seconds", cfg.Timeout.Seconds(),
		"retries", cfg.Retries,
		"show_progress", cfg.ShowProgress)
}

// LogError logs an error with appropriate context
func LogError(err error, context string) {
	var (
		netErr      *errors.NetworkError
		fsErr       *errors.FileSystemError
		protoErr    *errors.ProtocolError
		remoteErr   *errors.RemoteError
		validateErr *errors.ValidationError
	)

	switch {
	case errors.As(err, &remoteErr):
		slog.Error("Peer reported error",
			"context", context,
			"code", remoteErr.Code,
			"message", remoteErr.Message,
			"error_type", "remote")
	case errors.As(err, &protoErr):
		slog.Error("Protocol error",
			"context", context,
			"operation", protoErr.Op,
			"message", protoErr.Message,
			"error_type", "protocol")
	case errors.As(err, &netErr):
		slog.Error("Network error",
			"context", context,
			"operation", netErr.Op,
			"address", netErr.Addr,
			"error", netErr.Err,
			"error_type", "network")
	case errors.As(err, &fsErr):
		slog.Error("File system error",
			"context", context,
			"operation", fsErr.Op,
			"path", fsErr.Path,
			"error", fsErr.Err,
			"error_type", "filesystem")
	case errors.As(err, &validateErr):
		slog.Error("Validation error",
			"context", context,
			"field", validateErr.Field,
			"message", validateErr.Message,
			"error_type", "validation")
	default:
		slog.Error("Unhandled error",
			"context", context,
			"error", err,
			"error_type", "unknown")
	}
}

// LogSessionStart logs the start of a transfer session
func LogSessionStart(id, direction, peer, filename string) {
	slog.Info("Transfer session started",
		"session_id", id,
		"direction", direction,
		"peer", peer,
		"file", filename,
		"session_start", time.Now().Format("15:04:05"))
}

// LogSessionEnd logs the end of a transfer session
func LogSessionEnd(id string, success bool, totalBytes int64, duration time.Duration) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	slog.Info("Transfer session ended",
		"session_id", id,
		"status", status,
		"total_bytes_transferred", totalBytes,
		"session_duration_ms", duration.Milliseconds(),
		"average_throughput_kbps", throughputKB(totalBytes, duration))
}

// LogTransferProgress logs transfer progress information. total is zero when
// the size is unknown.
func LogTransferProgress(filename string, transferred, total int64, rateKB float64) {
	attrs := []any{
		"file", filename,
		"transferred_kb", float64(transferred) / 1024,
		"transfer_rate_kbps", rateKB,
	}
	if total > 0 {
		attrs = append(attrs,
			"total_kb", float64(total)/1024,
			"percent_complete", float64(transferred)/float64(total)*100)
	}
	slog.Info("Transfer progress", attrs...)
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(filename string, size int64, duration time.Duration) {
	slog.Info("Transfer completed successfully",
		"file", filename,
		"total_size_kb", float64(size)/1024,
		"duration_ms", duration.Milliseconds(),
		"average_rate_kbps", throughputKB(size, duration),
		"timestamp", time.Now().Format("15:04:05"))
}

func throughputKB(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(bytes) / 1024 / duration.Seconds()
}
