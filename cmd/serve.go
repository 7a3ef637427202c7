package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/syncbridge/pkg/config"
	"github.com/rubiojr/syncbridge/pkg/synctest"
	"github.com/rubiojr/syncbridge/pkg/syncservice"
	"github.com/urfave/cli/v3"
)

// ServeCommand creates the serve command: it boots the Sync Service
// against a scripted demo task provider so the discovery endpoint, wire
// protocol, and AI Bridge can all be exercised without a real host editor.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the Sync Bridge against a demo task provider",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"))
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	svc := syncservice.New(cfg)
	provider := demoProvider()

	if err := svc.Start(provider); err != nil {
		return fmt.Errorf("starting sync service: %w", err)
	}

	st := svc.Status()
	fmt.Printf("Sync Bridge listening: ws=:%d discovery=:%d\n", st.WebSocketPort, st.DiscoveryPort)
	fmt.Println("Press Ctrl+C to stop, send SIGHUP to reload, or modify the config file for automatic reload.")

	var cfgMutex sync.RWMutex

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Warning: failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Printf("Warning: failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			log.Printf("Warning: failed to watch config file %s: %v", configPath, err)
		} else {
			log.Printf("Watching config file for changes: %s", configPath)
		}
	}

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Println("Received SIGHUP, reloading configuration...")
				if err := reloadConfiguration(configPath, &cfgMutex, cfg, svc, provider); err != nil {
					log.Printf("Failed to reload configuration: %v", err)
				} else {
					log.Println("Configuration reloaded successfully")
				}
			case syscall.SIGINT, syscall.SIGTERM:
				fmt.Println("\nShutting down...")
				return svc.Stop(context.Background())
			}
		case event, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				log.Printf("Config file changed: %s, reloading configuration...", event.Name)

				if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					time.Sleep(200 * time.Millisecond)
					if _, err := os.Stat(configPath); os.IsNotExist(err) {
						log.Printf("Config file was removed and not replaced, skipping reload")
						continue
					}
					if err := watcher.Add(configPath); err != nil {
						log.Printf("Warning: failed to re-add config file to watcher: %v", err)
					}
				} else {
					time.Sleep(100 * time.Millisecond)
				}

				if err := reloadConfiguration(configPath, &cfgMutex, cfg, svc, provider); err != nil {
					log.Printf("Failed to reload configuration after file change: %v", err)
				} else {
					log.Println("Configuration reloaded successfully after file change")
				}
			}
		case err, ok := <-watcherErrors(watcher):
			if !ok {
				continue
			}
			log.Printf("Config file watcher error: %v", err)
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func watcherErrors(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}

// reloadConfiguration loads configPath fresh, applies it in place to cfg
// (the same pointer the Service was constructed with), and restarts the
// service so the new settings take effect. Config.Update-style in-place
// mutation only takes effect on the next Start, per pkg/config; a restart
// is the ops-level trigger for that next Start.
func reloadConfiguration(configPath string, cfgMutex *sync.RWMutex, cfg *config.Config, svc *syncservice.Service, provider *synctest.FakeProvider) error {
	cfgMutex.Lock()
	defer cfgMutex.Unlock()

	newCfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading new config: %w", err)
	}

	if err := svc.Stop(context.Background()); err != nil {
		return fmt.Errorf("stopping sync service: %w", err)
	}

	cfg.Update(func(c *config.Config) { *c = *newCfg })

	if err := svc.Start(provider); err != nil {
		return fmt.Errorf("restarting sync service: %w", err)
	}
	return nil
}

// demoProvider seeds a fake task with a short scripted conversation so a
// freshly connected client has history to replay.
func demoProvider() *synctest.FakeProvider {
	provider := synctest.NewFakeProvider()
	task := synctest.NewFakeTask("demo-task")
	task.Say("text", "Sync Bridge demo task ready.", false)
	provider.SetCurrentTask(task)
	return provider
}
