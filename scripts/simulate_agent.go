// Command simulate_agent runs a minimal echo agent against a live mesh
// endpoint. It registers, joins the lobby, and answers every task it sees,
// which makes it a handy peer for exercising meshcli and webhook-sink.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesh"
)

func main() {
	_ = godotenv.Load()

	url := os.Getenv("MESH_WS_URL")
	if url == "" {
		url = "ws://localhost:8080/ws"
	}

	client, err := mesh.New(mesh.Config{
		WSURL:         url,
		PrivateKey:    os.Getenv("MESH_PRIVATE_KEY"),
		ClientType:    mesh.ClientAgent,
		AgentName:     "echo-agent",
		Capabilities:  []string{"echo"},
		AutoJoinRooms: []string{"lobby"},
	})
	if err != nil {
		log.Fatalf("❌ Client: %v", err)
	}
	defer client.Close()

	// Subscribe before connecting so no early task slips past.
	tasks := client.Events(events.TypeTaskCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("❌ Connect: %v", err)
	}
	fmt.Println("🤖 echo-agent connected:", client.Address())

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	err = client.RegisterAgent(ctx)
	cancel()
	if err != nil {
		log.Fatalf("❌ Register: %v", err)
	}
	fmt.Println("✅ Registered; answering tasks in #lobby")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-tasks:
			if !ok {
				return
			}
			taskID, _ := ev.Data["task_id"].(string)
			if taskID == "" || ev.Frame == nil {
				continue
			}
			reply := fmt.Sprintf("echo: %s", ev.Frame.Content)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := client.RespondToTask(ctx, taskID, reply, true)
			cancel()
			if err != nil {
				log.Printf("respond %s: %v", taskID, err)
				continue
			}
			fmt.Printf("📨 answered task %s\n", taskID)
		case <-sig:
			fmt.Println("Shutting down...")
			return
		}
	}
}
