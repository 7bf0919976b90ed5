package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/you-humble/fileflow/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	a := app.NewWorker(ctx)
	if err := a.Run(ctx); err != nil {
		log.Fatalln("worker:", err)
	}
}
