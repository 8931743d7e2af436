// Command meshsender-agent runs one side of the chunked image-transport
// protocol (spec.md) over a USB-serial mesh radio, bridging submit/progress/
// completion to Redis the way the teacher's bluetooth-service bridges its
// nRF52 link to Redis.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/RootPathFinder/meshsender/pkg/control"
	"github.com/RootPathFinder/meshsender/pkg/link"
	"github.com/RootPathFinder/meshsender/pkg/link/serial"
	"github.com/RootPathFinder/meshsender/pkg/link/simulated"
	"github.com/RootPathFinder/meshsender/pkg/meshredis"
	"github.com/RootPathFinder/meshsender/pkg/receiver"
	"github.com/RootPathFinder/meshsender/pkg/sender"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path to the mesh radio")
	baudRate     = flag.Int("baud", 921600, "Serial baud rate")
	simLink      = flag.Bool("sim-link", false, "Use an in-memory simulated link instead of a real serial radio (development only)")

	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")

	chunkSize  = flag.Int("chunk-size", 200, "Payload bytes per chunk")
	chunkDelay = flag.Duration("chunk-delay", 0, "Baseline inter-chunk delay (0 uses the adaptive default)")
	adaptive   = flag.Bool("adaptive", true, "Enable adaptive pacing based on ack success rate")
	fast       = flag.Bool("fast", false, "Force the fixed fast-mode delay, disabling adaptive pacing")
	compress   = flag.Bool("compress", true, "Attempt payload compression before fragmenting")
	maxRetries = flag.Int("max-retries", sender.DefaultMaxRetries, "Per-chunk retry attempts before giving up")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting meshsender-agent")
	log.Printf("Redis address: %s", *redisAddr)

	var driver link.Driver
	if *simLink {
		log.Printf("Using simulated in-memory link (development mode)")
		net := simulated.NewNetwork(rand.New(rand.NewSource(1)))
		driver = net.NewDriver(link.Peer("local"))
	} else {
		log.Printf("Opening serial link %s at %d baud", *serialDevice, *baudRate)
		d, err := serial.Open(*serialDevice, *baudRate)
		if err != nil {
			log.Fatalf("Failed to open serial link: %v", err)
		}
		driver = d
	}
	defer driver.Close()

	// The bridge is both progress.Sink (feeding Redis) and the blob
	// disposition for completed transfers; it needs the sender engine to
	// service the submit queue, so it is constructed first without one,
	// handed to the engine as its sink, and given the engine afterwards
	// via SetSenderEngine.
	bridge, err := meshredis.NewBridge(*redisAddr, *redisPass, *redisDB, nil, func(peer string, transferID uint32, blob []byte) {
		log.Printf("meshsender-agent: completed transfer %08x from %s (%d bytes)", transferID, peer, len(blob))
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer bridge.Close()
	log.Printf("Connected to Redis")
	compressMode := sender.CompressOff
	if *compress {
		compressMode = sender.CompressAuto
	}
	bridge.SetDefaultOptions(sender.Options{
		ChunkDelay: *chunkDelay,
		ChunkSize:  *chunkSize,
		Adaptive:   *adaptive,
		Fast:       *fast,
		MaxRetries: *maxRetries,
		Compress:   compressMode,
	})

	senderEng := sender.New(driver, link.DefaultPort, bridge)
	defer senderEng.Stop()
	bridge.SetSenderEngine(senderEng)

	receiverEng := receiver.New(driver, bridge, receiver.DefaultConfig())

	unsubscribeCtrl := driver.Subscribe(link.DefaultPort, func(peer link.Peer, payload []byte) {
		if !control.LooksLikeControl(payload) {
			return
		}
		msg, err := control.Parse(payload)
		if err != nil {
			log.Printf("meshsender-agent: dropping malformed control message from %s: %v", peer, err)
			return
		}
		switch {
		case msg.Ok != nil:
			senderEng.HandleOk(peer, *msg.Ok)
		case msg.Req != nil:
			senderEng.HandleReq(peer, *msg.Req)
		}
	})
	defer unsubscribeCtrl()

	receiverEng.Start()
	defer receiverEng.Stop()

	go bridge.WatchSubmitQueue()
	defer bridge.Stop()

	log.Printf("meshsender-agent ready: chunk size %d, adaptive=%v fast=%v compress=%v", *chunkSize, *adaptive, *fast, *compress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down...")
}
