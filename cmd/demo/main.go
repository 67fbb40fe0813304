// Command demo wires an in-memory engine to the supervisor and streams a
// couple of requests to stdout, end to end, without any external services.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aphrodite-engine/asyncserve/config"
	"github.com/aphrodite-engine/asyncserve/engine/inmem"
	"github.com/aphrodite-engine/asyncserve/stream"
	"github.com/aphrodite-engine/asyncserve/supervisor"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENGINE_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	eng := inmem.New(inmem.Config{PipelineParallelSize: 2})
	sup := supervisor.New(eng, cfg, supervisor.Options{AutoStart: true})
	ctx := context.Background()
	defer sup.Shutdown(ctx)

	r1, err := sup.Submit(ctx, "r1", []string{"hello", "from", "r1"}, nil, time.Time{}, nil)
	if err != nil {
		log.Fatalf("submit r1: %v", err)
	}
	r2, err := sup.Submit(ctx, "r2", []string{"hello", "from", "r2"}, nil, time.Time{}, nil)
	if err != nil {
		log.Fatalf("submit r2: %v", err)
	}

	drain := func(name string, r *stream.Reader) {
		for {
			v, err := r.Next(ctx)
			if err == stream.EOS {
				fmt.Printf("%s: done\n", name)
				return
			}
			if err != nil {
				fmt.Printf("%s: error: %v\n", name, err)
				return
			}
			fmt.Printf("%s: %v\n", name, v)
		}
	}

	done := make(chan struct{}, 2)
	go func() { drain("r1", r1); done <- struct{}{} }()
	go func() { drain("r2", r2); done <- struct{}{} }()
	<-done
	<-done
}
