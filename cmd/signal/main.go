package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/signal/app"
)

func main() {
	dotenvErr := godotenv.Load()
	commonlog.Reload()
	if dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		commonlog.Warnf("event=config action=load_dotenv status=failed error=%v", dotenvErr)
	}
	defer commonlog.Sync()

	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		commonlog.Errorf("event=server action=init status=failed error=%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("event=server action=listen status=ok addr=:%s env=%s", cfg.Port, cfg.Env)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			commonlog.Errorf("event=server action=listen status=failed error=%v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Warnf("event=server action=shutdown status=failed error=%v", err)
	}
}
