package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/pixelyodha/miracle/pkg/store"
)

func main() {
	godotenv.Load()

	f, err := os.OpenFile("gateway.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	defer f.Close()
	log.SetOutput(f)

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	kafkaBrokersStr := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokersStr == "" {
		kafkaBrokersStr = "localhost:19092"
	}
	kafkaBrokers := strings.Split(kafkaBrokersStr, ",")

	// Node ID must be unique per gateway instance so push ids never collide.
	node := int64(1)
	if v := os.Getenv("GATEWAY_NODE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatalf("invalid GATEWAY_NODE: %v", err)
		}
		node = n
	}

	rt, err := store.NewRedis(redisAddr, node)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rt.Close()

	producer := &kafka.Writer{
		Addr:     kafka.TCP(kafkaBrokers...),
		Topic:    "chat-messages",
		Balancer: &kafka.LeastBytes{},
	}
	defer producer.Close()

	gw := &Gateway{store: rt, producer: producer}

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(gw, w, r)
	})

	log.Println("Gateway Service Starting on :8080...")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatal(err)
	}
}
