// Command vmkboot drives the boot sequence spec.md §2 describes end to
// end against simhost: bring up the frame pool and virtual map, init
// HeapMgr, construct the per-pcpu region, register the TLB module's IPI
// vector through the IDT, then create the console world followed by one
// idle world per pcpu. No exception, NMI or double-fault gates are
// installed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vmkforge/core/console"
	"github.com/vmkforge/core/heapmgr"
	"github.com/vmkforge/core/idt"
	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/prda"
	"github.com/vmkforge/core/simhost"
	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/tlb"
	"github.com/vmkforge/core/world"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (optional)")
	numPCPUs := flag.Int("pcpus", 4, "number of simulated pcpus")
	numFrames := flag.Int("frames", 1<<16, "number of 4 KiB physical frames to back the simulated host")
	flag.Parse()

	cfg := platform.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("vmkboot: loading config: %v", err)
		}
		cfg = loaded
	}

	screen := console.NewScreen(os.Stdout)
	defer func() {
		if r := recover(); r != nil {
			screen.PurpleScreen(fmt.Sprint(r), platform.Snapshot{})
			panic(r)
		}
	}()

	boot(cfg, *numPCPUs, *numFrames, screen)
}

func loadConfig(path string) (platform.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return platform.Config{}, err
	}
	cfg := platform.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return platform.Config{}, err
	}
	return cfg, nil
}

func boot(cfg platform.Config, numPCPUs, numFrames int, screen *console.Screen) {
	// A, B, C: physical frames, the extended virtual map, and the buddy
	// allocator HeapMgr grows internally.
	frames, err := simhost.NewFramePool(numFrames)
	if err != nil {
		log.Fatalf("vmkboot: frame pool: %v", err)
	}
	defer frames.Close()

	const kernelWindowPages = 1 << 20
	xmap := simhost.NewXMapTable(frames, 0x80000000, kernelWindowPages)

	helpers := simhost.NewHelperQueue(2)
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelClose()
		if err := helpers.Close(closeCtx); err != nil {
			log.Printf("vmkboot: helper queue shutdown: %v", err)
		}
	}()
	sched := simhost.NewScheduler()

	// D: HeapMgr's two kernel heaps.
	heaps := heapmgr.New(frames, xmap, helpers, 0, mm.VPN(1<<18), cfg.Debug)

	// G: per-pcpu region, one page per pcpu, shared VA.
	region, err := prda.New(frames, xmap, numPCPUs)
	if err != nil {
		log.Fatalf("vmkboot: prda: %v", err)
	}
	defer region.Close()

	// F before E: the IDT must exist before the TLB module registers its
	// IPI vector through it. The IC's dispatch callback closes over
	// idtTable by reference so it can be constructed before idtTable is
	// assigned.
	var idtTable *idt.Table
	ic := simhost.NewIC(numPCPUs, func(pcpu, vector int) {
		idtTable.Dispatch(vector, pcpu, true)
	})
	idtTable = idt.New(ic, sched, 0)

	allocCtx, cancelAlloc := context.WithTimeout(context.Background(), time.Second)
	firstPageDir, err := frames.Alloc(platform.ClassLow, 0, 0, allocCtx)
	cancelAlloc()
	if err != nil {
		log.Fatalf("vmkboot: first page directory: %v", err)
	}
	tlbState := tlb.New(ic, sched, numPCPUs, firstPageDir, 0, mm.VPN(kernelWindowPages-1))
	ctx := spinlock.NewLockContext()
	if err := idtTable.AddHandler(ctx, 0xF1, func(any) {}, tlbState, false, "tlb-invalidate"); err != nil {
		log.Fatalf("vmkboot: registering TLB IPI vector: %v", err)
	}
	if err := idtTable.Enable(ctx, 0xF1, idt.RoleVMK); err != nil {
		log.Fatalf("vmkboot: enabling TLB IPI vector: %v", err)
	}

	addrDeps := world.AddrSpaceDeps{
		Frames:        frames,
		XMap:          xmap,
		FirstPageDir:  firstPageDir,
		NMIHandlerEIP: 0xFFFF0000,
		PRDAMPN:       region.MPN(0),
	}
	lifecycle := world.NewLifecycle(sched, helpers, addrDeps)

	// H: console world, then one idle world per pcpu.
	consoleHandle, err := lifecycle.Create(ctx, &world.InitArgs{
		Name:  "console",
		Flags: world.FlagSystem | world.FlagHost,
		Func:  func() {},
	})
	if err != nil {
		log.Fatalf("vmkboot: creating console world: %v", err)
	}
	sched.AddRunning(consoleHandle.WorldID)

	screen.Banner(version, numPCPUs)

	idleIDs := make([]uint32, 0, numPCPUs)
	for p := 0; p < numPCPUs; p++ {
		idle, err := lifecycle.Create(ctx, &world.InitArgs{
			Name:  fmt.Sprintf("idle%d", p),
			Flags: world.FlagSystem | world.FlagIdle,
			Func:  func() {},
		})
		if err != nil {
			log.Fatalf("vmkboot: creating idle world for pcpu %d: %v", p, err)
		}
		sched.AddRunning(idle.WorldID)
		idleIDs = append(idleIDs, idle.WorldID)
	}

	demoVPN, err := heaps.Request(ctx, heapmgr.ClassAny, 4)
	if err != nil {
		log.Fatalf("vmkboot: demo heap request: %v", err)
	}
	if err := heaps.Free(ctx, heapmgr.ClassAny, demoVPN, 4); err != nil {
		log.Fatalf("vmkboot: demo heap free: %v", err)
	}

	screen.Status(fmt.Sprintf("heapmgr ready, %d idle worlds running, %d ipi vectors registered", len(idleIDs), 1))
}
