// Command guestdbg attaches a GDB remote-protocol stub to a single-vCPU KVM
// guest: it loads a flat guest image, waits for one debugger connection on a
// loopback TCP port, and drives register/memory/breakpoint/step/continue
// commands through internal/debugcore against internal/hv/kvm.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/pprof"

	"github.com/tinyrange/guestdbg/internal/debug"
	"github.com/tinyrange/guestdbg/internal/hv"
	"github.com/tinyrange/guestdbg/internal/hv/kvm"
	"github.com/tinyrange/guestdbg/internal/timeslice"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "guestdbg: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML session config (flags below override its listen address)")
	listenAddr := flag.String("addr", "", "TCP address to wait for the debugger on (overrides config)")
	imagePath := flag.String("image", "", "Flat guest binary image (overrides config)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	debugFile := flag.String("debug-file", "", "Write structured debug stream to file")
	timesliceFile := flag.String("timeslice-file", "", "Write vCPU run-loop timeslice trace to file")
	cpuprofile := flag.String("cpuprofile", "", "Write CPU profile to file")
	flag.Parse()

	if *dbg {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return fmt.Errorf("open debug file: %w", err)
		}
		defer debug.Close()
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.Open(f)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer w.Close()
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create cpu profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := loadSessionConfig(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *imagePath != "" {
		cfg.Image.Path = *imagePath
	}
	if cfg.Image.Path == "" {
		flag.Usage()
		return fmt.Errorf("no guest image given (-image or config.image.path)")
	}

	imageData, err := os.ReadFile(cfg.Image.Path)
	if err != nil {
		return fmt.Errorf("read guest image: %w", err)
	}

	hypervisor, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open kvm: %w", err)
	}
	defer hypervisor.Close()

	loader := &guestLoader{image: imageData, cfg: cfg.Image}

	vm, err := hypervisor.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  cfg.MemorySize << 20,
		MemBase:  cfg.MemoryBase,
		VMLoader: loader,
	})
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	defer vm.Close()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	slog.Info("guestdbg: waiting for debugger", "addr", listener.Addr())
	conn, err := listener.Accept()
	// Scoped per spec.md §5: the listener's job ends at the first accept.
	listener.Close()
	if err != nil {
		return fmt.Errorf("accept debugger connection: %w", err)
	}
	defer conn.Close()

	loader.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return watchInterrupt(gctx, cancel)
	})

	group.Go(func() error {
		defer cancel()
		return vm.Run(gctx, loader)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	return nil
}

// watchInterrupt reacts to two distinct interrupt sources: an OS-level
// SIGINT (Ctrl-C at the guestdbg process itself) and, when stdin is a
// terminal, a raw Ctrl-C byte (0x03) that the shell would otherwise
// suppress in cooked mode. Either one cancels the session context, which
// resumeWithInterrupt observes via debugcore.Session.Resume's ctx parameter.
func watchInterrupt(ctx context.Context, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)

			go func() {
				r := bufio.NewReader(os.Stdin)
				for {
					b, err := r.ReadByte()
					if err != nil {
						return
					}
					if b == 0x03 {
						cancel()
						return
					}
				}
			}()
		}
	}

	select {
	case <-sigCh:
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
