package main

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Clouded-Sabre/tuntcp/lib"
)

// pairdemo runs two engines back-to-back over the in-memory packet pipe and
// pushes a few messages through a full handshake, data exchange and close.
// Handy for watching the state machine without a TUN device or root.
func main() {
	serverEnd, clientEnd := lib.NewPacketPipe(1500)

	serverConfig := lib.DefaultEngineConfig()
	serverConfig.LocalAddr = "192.168.0.1"
	serverConfig.Debug = true
	server, err := lib.NewEngine(serverConfig, serverEnd)
	if err != nil {
		log.Fatalln("server engine:", err)
	}
	defer server.Close()

	clientConfig := lib.DefaultEngineConfig()
	clientConfig.LocalAddr = "192.168.0.2"
	client, err := lib.NewEngine(clientConfig, clientEnd)
	if err != nil {
		log.Fatalln("client engine:", err)
	}
	defer client.Close()

	srv, err := server.Listen(8901, nil)
	if err != nil {
		log.Fatalln("listen:", err)
	}
	go func() {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("accept:", err)
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if err != io.EOF {
					log.Println("server read:", err)
				}
				conn.Close()
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				log.Println("server write:", err)
				return
			}
		}
	}()

	conn, err := client.Dial("192.168.0.1", 8901, nil)
	if err != nil {
		log.Fatalln("dial:", err)
	}

	buf := make([]byte, 4096)
	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("round %d through the user-space stack", i)
		if _, err := conn.Write([]byte(msg)); err != nil {
			log.Fatalln("write:", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			log.Fatalln("read:", err)
		}
		log.Printf("echoed back: %q", buf[:n])
	}

	conn.Close()
	// Let the FIN exchange run before tearing the engines down.
	time.Sleep(500 * time.Millisecond)
	log.Println("pairdemo done, final state:", conn.State())
}
