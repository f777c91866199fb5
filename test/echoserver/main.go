package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/tuntcp/config"
	"github.com/Clouded-Sabre/tuntcp/lib"
)

// Echo server on a TUN device. The harness is expected to have created and
// provisioned the device already:
//
//	ip tuntap add mode tun tun0
//	ip addr add 192.168.0.1/24 dev tun0
//	ip link set up dev tun0
func main() {
	tunName := flag.String("tun", "", "TUN device name (overrides config)")
	localAddr := flag.String("addr", "", "local IPv4 address on the device (overrides config)")
	port := flag.Int("port", 8901, "port to listen on")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig("config.yaml")
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	if *tunName != "" {
		config.AppConfig.TunName = *tunName
	}
	if *localAddr != "" {
		config.AppConfig.LocalAddr = *localAddr
	}

	transport, err := lib.NewTunTransport(config.AppConfig.TunName, config.AppConfig.MTU)
	if err != nil {
		log.Fatalln("TUN device error:", err)
	}

	engineConfig := &lib.EngineConfig{
		LocalAddr:       config.AppConfig.LocalAddr,
		PreferredMSS:    config.AppConfig.PreferredMSS,
		PayloadPoolSize: config.AppConfig.PayloadPoolSize,
		TickInterval:    time.Duration(config.AppConfig.TickIntervalMs) * time.Millisecond,
		ClientPortLower: config.AppConfig.ClientPortLower,
		ClientPortUpper: config.AppConfig.ClientPortUpper,
		Debug:           config.AppConfig.Debug,
		ConnConfig: &lib.ConnectionConfig{
			PreferredMSS:     config.AppConfig.PreferredMSS,
			RecvBufferSize:   config.AppConfig.RecvBufferSize,
			SendBufferSize:   config.AppConfig.SendBufferSize,
			RtoBase:          time.Duration(config.AppConfig.RtoBaseMs) * time.Millisecond,
			RtoCap:           time.Duration(config.AppConfig.RtoCapMs) * time.Millisecond,
			MaxRetransmits:   config.AppConfig.MaxRetransmits,
			HandshakeRetries: config.AppConfig.HandshakeRetries,
			TimeWait:         time.Duration(config.AppConfig.TimeWaitSec) * time.Second,
			ReorderLimit:     config.AppConfig.ReorderLimit,
		},
	}
	engine, err := lib.NewEngine(engineConfig, transport)
	if err != nil {
		log.Fatalln("Engine error:", err)
	}
	defer engine.Close()

	srv, err := engine.Listen(uint16(*port), nil)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}

	log.Printf("Echo server listening on %s:%d (%s)", config.AppConfig.LocalAddr, *port, transport.Name())

	// Forwarded termination signals from the harness shut the engine down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigChan:
			log.Println("Received signal:", s)
		case <-engine.Done():
			if err := engine.Err(); err != nil {
				log.Println("Engine failed:", err)
			}
		}
		engine.Close()
		os.Exit(0)
	}()

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			return
		}
		log.Printf("New connection from %s", conn.RemoteAddr())
		go handleConn(conn)
	}
}

func handleConn(c *lib.Connection) {
	defer c.Close()
	buf := make([]byte, config.AppConfig.PreferredMSS)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Println("Connection closed by peer")
				return
			}
			log.Println("Read error:", err)
			return
		}
		if _, err = c.Write(buf[:n]); err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
