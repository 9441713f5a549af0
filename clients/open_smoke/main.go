package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	sandlib "github.com/AnishMulay/sandmem/clients/library"
	grpccomm "github.com/AnishMulay/sandmem/internal/communication/grpc"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	logservice "github.com/AnishMulay/sandmem/internal/log_service"
	locallog "github.com/AnishMulay/sandmem/internal/log_service/localdisc"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

func main() {
	serverAddr := os.Getenv("SANDMEM_ADDR")
	if serverAddr == "" {
		serverAddr = "127.0.0.1:8080"
	}

	logDir := filepath.Join("run", "smoke", "logs")
	ls, err := locallog.NewLocalDiscLogService(logDir, "smoke", logservice.InfoLevel)
	if err != nil {
		log.Fatalf("log service: %v", err)
	}
	defer ls.Close()
	comm := grpccomm.NewGRPCCommunicator("", ls)
	defer comm.Stop()
	client := sandlib.NewSandmemClient(serverAddr, comm, ns.Root)
	ctx := context.Background()

	path := fmt.Sprintf("/sandlib-smoke-%d.txt", time.Now().UnixNano())

	fdCreate, err := client.Create(ctx, path, 0o644)
	if err != nil {
		log.Fatalf("Create failed on %s for %s: %v", serverAddr, path, err)
	}
	log.Printf("PASS: Create returned fd=%d for %s", fdCreate, path)

	if _, err := client.Open(ctx, path, true); !errors.Is(err, fs_error.ErrBusy) {
		log.Fatalf("Open(write) while writing expected busy, got %v", err)
	}
	log.Printf("PASS: second writer rejected for %s", path)

	payload := []byte("smoke")
	if _, err := client.Write(ctx, fdCreate, payload); err != nil {
		log.Fatalf("Write failed for %s fd=%d: %v", path, fdCreate, err)
	}
	if err := client.Close(ctx, fdCreate); err != nil {
		log.Fatalf("Close failed for %s fd=%d: %v", path, fdCreate, err)
	}

	fdRead, err := client.Open(ctx, path, false)
	if err != nil {
		log.Fatalf("Open(read) failed on %s for %s: %v", serverAddr, path, err)
	}
	data, err := client.Read(ctx, fdRead, 64)
	if err != nil {
		log.Fatalf("Read failed for %s fd=%d: %v", path, fdRead, err)
	}
	if string(data) != string(payload) {
		log.Fatalf("Read expected %q, got %q", payload, data)
	}
	log.Printf("PASS: Read returned %d bytes for %s", len(data), path)
	client.Close(ctx, fdRead)

	racePath := fmt.Sprintf("/sandlib-smoke-race-%d.txt", time.Now().UnixNano())
	const workers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			fd, createErr := client.Create(ctx, racePath, 0o644)
			if errors.Is(createErr, fs_error.ErrAlreadyExists) {
				return
			}
			if createErr != nil {
				errCh <- fmt.Errorf("worker %d: %w", worker, createErr)
				return
			}
			mu.Lock()
			created++
			mu.Unlock()
			if closeErr := client.Close(ctx, fd); closeErr != nil {
				errCh <- fmt.Errorf("worker %d: close fd=%d: %w", worker, fd, closeErr)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		log.Fatalf("race create failed for %s: %v", racePath, err)
	}
	if created != 1 {
		log.Fatalf("race create expected exactly one winner, got %d", created)
	}
	log.Printf("PASS: concurrent Create produced one winner for %s", racePath)

	for _, p := range []string{path, racePath} {
		if err := client.Unlink(ctx, p); err != nil {
			log.Fatalf("Unlink failed for %s: %v", p, err)
		}
	}
	log.Printf("PASS: smoke files removed")
}
