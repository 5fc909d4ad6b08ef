package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"ssehub/internal/config"
	"ssehub/internal/inputsource"
	"ssehub/internal/reactor"
)

// reexecEnv flags a worker process launched by --workers so it does
// not itself try to spawn further workers.
const reexecEnv = "SSEHUB_WORKER"

func main() {
	configPath := flag.String("config", "./conf/config.json", "path to the JSON config file")
	workers := flag.Int("workers", 1, "number of worker processes sharing the listening port")
	help := flag.Bool("help", false, "print usage and exit")
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *workers > 1 && os.Getenv(reexecEnv) == "" {
		if err := spawnWorkers(*workers, *configPath, log); err != nil {
			log.Error("startup: worker supervisor failed", slog.Any("err", err))
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("startup: failed to load config", slog.String("path", *configPath), slog.Any("err", err))
		os.Exit(1)
	}

	reusePort := os.Getenv(reexecEnv) != ""
	if err := run(cfg, log, reusePort); err != nil {
		log.Error("startup: server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, reusePort bool) error {
	srv := reactor.New(cfg, log)
	if err := srv.Listen(reusePort); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.InputSourceEnabled {
		src := &inputsource.FileSource{Path: cfg.InputSourcePath, Log: log}
		src.Init(srv)
		go func() {
			if err := src.Run(ctx); err != nil {
				log.Error("inputsource: stopped", slog.Any("err", err))
			}
		}()
	}
	if cfg.AMQPEnabled {
		log.Warn("config: amqp.enabled is set but no AMQP adapter is wired; ignoring")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		log.Info("shutdown: received signal", slog.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("shutdown: timed out waiting for channels to drain")
	}

	log.Info("shutdown: stopped")
	return nil
}

// spawnWorkers re-execs the current binary n-1 additional times (plus
// running one instance in this process), each binding the same port
// via SO_REUSEPORT. Grounded in original_source/src/main.cpp's
// fork()+waitpid supervisor loop; Go processes cannot safely fork()
// without an immediate exec, so this uses os/exec self-re-exec
// instead.
func spawnWorkers(n int, configPath string, log *slog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("spawnWorkers: resolve executable: %w", err)
	}

	procs := make([]*exec.Cmd, 0, n-1)
	for i := 1; i < n; i++ {
		cmd := exec.Command(self, "--config", configPath)
		cmd.Env = append(os.Environ(), reexecEnv+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("spawnWorkers: start worker %d: %w", i, err)
		}
		log.Info("startup: spawned worker", slog.Int("worker", i), slog.Int("pid", cmd.Process.Pid))
		procs = append(procs, cmd)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := run(cfg, log, true); err != nil {
		return err
	}

	for _, cmd := range procs {
		_ = cmd.Wait()
	}
	return nil
}
