// Command devagent simulates the in-container agent that a browser
// container normally runs: it launches a real browser via
// playwright-go and speaks the same WebSocket wire protocol that
// agentlink.Link expects, so the pool can be exercised end to end
// without building and shipping a container image.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/playwright-community/playwright-go"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wireMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	IP          string `json:"ip,omitempty"`
	LabelName   string `json:"labelName,omitempty"`
	LabelValue  string `json:"labelValue,omitempty"`
	Param       string `json:"param,omitempty"`
	Value       string `json:"value,omitempty"`
	IsError     bool   `json:"isError,omitempty"`
	Message     string `json:"message,omitempty"`
	SessionData string `json:"sessionData,omitempty"`
}

func main() {
	addr := flag.String("addr", ":8080", "address to listen on for the agentlink connection")
	headless := flag.Bool("headless", true, "run the simulated browser headless")
	flag.Parse()

	pw, err := playwright.Run()
	if err != nil {
		log.Fatalf("could not start playwright: %v", err)
	}
	defer pw.Stop()

	browserInstance, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(*headless),
	})
	if err != nil {
		log.Fatalf("could not launch browser: %v", err)
	}
	defer browserInstance.Close()

	nodeID := uuid.NewString()

	http.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		if err := send(conn, wireMessage{Type: "node:setState", ID: nodeID, IP: "127.0.0.1"}); err != nil {
			return
		}

		page, err := browserInstance.NewPage()
		if err != nil {
			send(conn, wireMessage{Type: "node:deleted", IsError: true, Message: err.Error()})
			return
		}
		defer page.Close()

		if err := send(conn, wireMessage{Type: "node:setLabel", LabelName: "status", LabelValue: "ready"}); err != nil {
			return
		}

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case <-ticker.C:
				title, _ := page.Title()
				if err := send(conn, wireMessage{Type: "node:setParam", Param: "title", Value: title}); err != nil {
					return
				}
			case <-sigCh:
				send(conn, wireMessage{Type: "node:deleted", Message: "simulator shutting down"})
				return
			}
		}
	})

	fmt.Printf("devagent listening on %s, node id %s\n", *addr, nodeID)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func send(conn *websocket.Conn, msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
