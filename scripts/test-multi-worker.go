package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

var (
	coordinatorURL = pflag.String("coordinator", "http://localhost:19001", "Coordinator base URL")
	workerAddrs    = pflag.StringSlice("workers", []string{"localhost:50051"}, "Worker gRPC health addresses")
	numSessions    = pflag.Int("sessions", 6, "Number of sessions to drive")
	perSession     = pflag.Int("messages", 3, "Messages posted to each session")
	waitFor        = pflag.Duration("timeout", 2*time.Minute, "How long to wait for replies")
)

type TestResult struct {
	SessionID string
	Sent      []string
	Replies   []string
	Duration  time.Duration
	Error     error
}

func main() {
	pflag.Parse()

	log.Println("🧪 Multi-Worker & Multi-Session Test")
	log.Println("====================================")

	ctx := context.Background()
	primary := config.Default()
	primary.Agents = config.DefaultAgents(func(string) string { return "" })
	primaryID := primary.Primary().AgentID

	log.Printf("\n📋 Phase 1: Checking %d worker(s)...", len(*workerAddrs))
	checkWorkers(ctx, *workerAddrs)

	log.Printf("\n📋 Phase 2: Posting %d messages to each of %d sessions...", *perSession, *numSessions)
	results := driveSessions(ctx, primaryID)

	log.Println("\n📋 Phase 3: Analyzing results...")
	analyzeResults(results)

	log.Println("\n🎉 Multi-Worker Test Complete!")
}

func checkWorkers(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Printf("  ❌ Worker %s: %v", addr, err)
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: "chatrelay.worker"})
		cancel()
		_ = conn.Close()
		if err != nil {
			log.Printf("  ❌ Worker %s: %v", addr, err)
			continue
		}
		log.Printf("  ✓ Worker %s: %s", addr, resp.Status)
	}
}

func driveSessions(ctx context.Context, primaryID string) []TestResult {
	var results []TestResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	runID := time.Now().Unix()
	for i := 0; i < *numSessions; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			start := time.Now()
			result := TestResult{SessionID: fmt.Sprintf("load-%d-%d", runID, idx)}
			for n := 0; n < *perSession; n++ {
				messageID := fmt.Sprintf("%s-m%d", result.SessionID, n)
				if err := post(ctx, result.SessionID, messageID, fmt.Sprintf("message %d of session %d", n, idx)); err != nil {
					result.Error = err
					break
				}
				result.Sent = append(result.Sent, messageID)
			}
			if result.Error == nil {
				result.Replies, result.Error = awaitReplies(ctx, result.SessionID, primaryID, len(result.Sent))
			}
			result.Duration = time.Since(start)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	return results
}

func post(ctx context.Context, sessionID, messageID, text string) error {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID, "messageId": messageID, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *coordinatorURL+"/api/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: status %d", messageID, resp.StatusCode)
	}
	return nil
}

// awaitReplies polls history until the primary answered want messages, returning the
// triggering message ids in reply order
func awaitReplies(ctx context.Context, sessionID, primaryID string, want int) ([]string, error) {
	deadline := time.Now().Add(*waitFor)
	for time.Now().Before(deadline) {
		var history struct {
			Messages []types.Message `json:"messages"`
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, *coordinatorURL+"/api/sessions/"+sessionID+"/messages", nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		err = json.NewDecoder(resp.Body).Decode(&history)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		var replies []string
		for _, m := range history.Messages {
			if m.AgentID == primaryID && m.InReplyTo != "" {
				replies = append(replies, m.InReplyTo)
			}
		}
		if len(replies) >= want {
			return replies, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("session %s: timed out waiting for %d replies", sessionID, want)
}

func analyzeResults(results []TestResult) {
	successful := 0
	failed := 0
	totalDuration := time.Duration(0)

	for _, r := range results {
		totalDuration += r.Duration
		if r.Error != nil {
			failed++
			log.Printf("  ❌ Session %s failed: %v", r.SessionID, r.Error)
			continue
		}
		inOrder := true
		for i, id := range r.Sent {
			if i >= len(r.Replies) || r.Replies[i] != id {
				inOrder = false
				break
			}
		}
		if !inOrder {
			failed++
			log.Printf("  ❌ Session %s answered out of order: sent %v, replies %v", r.SessionID, r.Sent, r.Replies)
			continue
		}
		successful++
	}

	if len(results) == 0 {
		log.Println("  ⚠️  No sessions were driven")
		return
	}
	avgDuration := totalDuration / time.Duration(len(results))

	log.Printf("\n📈 Results Summary:")
	log.Printf("  Total Sessions: %d", len(results))
	log.Printf("  Successful: %d", successful)
	log.Printf("  Failed: %d", failed)
	log.Printf("  Success Rate: %.1f%%", float64(successful)/float64(len(results))*100)
	log.Printf("  Avg Duration: %v", avgDuration)
}
