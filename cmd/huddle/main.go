// Package main provides the huddle binary: a command-line client that
// creates or joins a collaborative room and watches its roster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/cory-johannsen/huddle/internal/config"
	"github.com/cory-johannsen/huddle/internal/observability"
	"github.com/cory-johannsen/huddle/internal/room"
	"github.com/cory-johannsen/huddle/internal/rpc"
	"github.com/cory-johannsen/huddle/internal/rpc/wsrpc"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	userID := flag.Uint64("user", 0, "user id to connect as")
	joinRoom := flag.Uint64("join", 0, "room id to join; 0 creates a new room")
	invite := flag.Uint64("invite", 0, "user id to invite after connecting")
	flag.Parse()

	if *userID == 0 {
		log.Fatal("a non-zero -user is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger, rpc.UserID(*userID), rpc.RoomID(*joinRoom), rpc.UserID(*invite)); err != nil {
		logger.Fatal("huddle failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger, userID rpc.UserID, joinID rpc.RoomID, invite rpc.UserID) error {
	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout)
	defer cancel()

	client, err := wsrpc.Dial(dialCtx, cfg.Client.ServerURL, userID, observability.Component(logger, "rpc"))
	if err != nil {
		return err
	}
	defer client.Close()

	reqCtx, cancelReq := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout)
	defer cancelReq()

	roomLogger := observability.Component(logger, "room")
	var rm *room.Room
	if joinID == 0 {
		rm, err = room.Create(reqCtx, client, roomLogger)
	} else {
		rm, err = room.Join(reqCtx, room.Invite{RoomID: joinID}, client, roomLogger)
	}
	if err != nil {
		return err
	}
	fmt.Printf("in room %d as user %d (peer %s)\n", rm.ID(), userID, client.PeerID())

	if invite != 0 {
		inviteCtx, cancelInvite := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout)
		defer cancelInvite()
		if err := rm.Call(inviteCtx, invite); err != nil {
			return fmt.Errorf("inviting user %d: %w", invite, err)
		}
		fmt.Printf("invited user %d\n", invite)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	printRoster(rm)
	for {
		select {
		case <-rm.Changed():
			printRoster(rm)
			if rm.Status() == room.Offline {
				fmt.Println("session ended")
				return nil
			}
		case <-sigCh:
			if err := rm.Leave(); err != nil {
				logger.Warn("leaving room", zap.Error(err))
			}
			fmt.Println("left room")
			return nil
		}
	}
}

func printRoster(rm *room.Room) {
	remotes := rm.RemoteParticipants()
	peers := make([]string, 0, len(remotes))
	for peerID := range remotes {
		peers = append(peers, string(peerID))
	}
	sort.Strings(peers)

	fmt.Printf("participants (%d):\n", len(remotes))
	for _, peerID := range peers {
		p := remotes[rpc.PeerID(peerID)]
		fmt.Printf("  user %d [%s] %s\n", p.UserID, peerID, p.Location.Kind)
	}
	if pending := rm.PendingUserIDs(); len(pending) > 0 {
		fmt.Printf("pending invites: %v\n", pending)
	}
}
