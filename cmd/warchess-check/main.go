package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/warchess-server/internal/auth"
	"github.com/park285/warchess-server/internal/relay"
	"github.com/park285/warchess-server/pkg/matchdto"
)

func main() {
	apiBase := pflag.String("api", os.Getenv("API_BASE"), "API server root, e.g. http://localhost:8080")
	wsURL := pflag.String("ws", os.Getenv("CHECK_WS_URL"), "broker socket URL, e.g. ws://localhost:8090/ws")
	matchID := pflag.String("match", os.Getenv("CHECK_MATCH_ID"), "match id to read and subscribe to")
	token := pflag.String("token", os.Getenv("CHECK_TOKEN"), "session token")
	jwtSecret := pflag.String("jwt-secret", os.Getenv("JWT_SECRET"), "mint a token for --user when --token is empty")
	user := pflag.String("user", os.Getenv("CHECK_USER"), "user id to mint a token for")
	roomPath := pflag.String("room-path", "/api/match/room", "room read path on the API server")
	watch := pflag.Duration("watch", 10*time.Second, "how long to print socket messages")
	pflag.Parse()

	if *token == "" && *jwtSecret != "" && *user != "" {
		minted, err := auth.NewResolver(nil, *jwtSecret).Issue(*user, 10*time.Minute)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		*token = minted
	}
	if *apiBase == "" || *matchID == "" || *token == "" {
		log.Fatal("--api, --match and --token (or --jwt-secret with --user) are required")
	}

	client := relay.NewClient(*apiBase,
		relay.WithTimeout(8*time.Second),
		relay.WithRetry(0),
		relay.WithRoomPath(*roomPath))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	room, err := client.FetchRoom(ctx, *matchID, *token)
	cancel()
	switch {
	case errors.Is(err, relay.ErrDenied):
		log.Printf("room denied for this token")
	case err != nil:
		log.Printf("room error: %v", err)
	default:
		log.Printf("room ok: %s", room)
	}

	if *wsURL == "" {
		log.Println("no socket URL; skipping broker check")
		return
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(dctx, *wsURL, nil)
	dcancel()
	if err != nil {
		log.Printf("socket dial error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "check done")

	wctx, wcancel := context.WithTimeout(context.Background(), *watch)
	defer wcancel()
	sub := matchdto.ClientMessage{Type: matchdto.TypeSubscribe, MatchID: *matchID, Token: *token}
	if err := wsjson.Write(wctx, conn, sub); err != nil {
		log.Printf("subscribe error: %v", err)
		return
	}
	for {
		var msg matchdto.ServerMessage
		if err := wsjson.Read(wctx, conn, &msg); err != nil {
			if wctx.Err() == nil {
				log.Printf("socket closed: %v", err)
			}
			return
		}
		fmt.Printf("socket type=%s match=%s event=%s message=%q\n", msg.Type, msg.MatchID, msg.Event, msg.Message)
	}
}
