package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/events"
	"github.com/npezzotti/go-chatfleet/internal/presence"
	"github.com/npezzotti/go-chatfleet/internal/readstate"
	"github.com/npezzotti/go-chatfleet/internal/relay"
	"github.com/npezzotti/go-chatfleet/internal/stats"
)

const opTimeout = 10 * time.Second

// Engine is the read-state engine as seen by the chat server.
type Engine interface {
	SendMessage(ctx context.Context, senderId, roomId int64, content string) (readstate.SendResult, error)
	SendFileMessage(ctx context.Context, senderId, roomId, fileId int64) (readstate.SendResult, error)
	MarkRead(ctx context.Context, userId, roomId int64) (readstate.ReadResult, error)
	EditMessage(ctx context.Context, userId, messageId int64, content string) (readstate.EditResult, error)
	DeleteMessage(ctx context.Context, userId, messageId int64) (readstate.EditResult, error)
	InviteMembers(ctx context.Context, inviterId, roomId int64, userIds []int64) (readstate.InviteResult, error)
	LeaveRoom(ctx context.Context, userId, roomId int64) (readstate.LeaveResult, error)
	Undelivered(ctx context.Context, userId int64) ([]readstate.UndeliveredMessages, error)
}

type FriendDirectory interface {
	FriendIds(ctx context.Context, userId int64) ([]int64, error)
}

type EventPublisher interface {
	Publish(ev events.FileMessageSent) bool
}

type Deps struct {
	Engine   Engine
	Friends  FriendDirectory
	Presence presence.Directory
	Relay    relay.Relay
	Stats    stats.StatsProvider
	// Events is optional.
	Events EventPublisher
}

// ChatServer accepts clients, routes every notification to the process
// owning the target user, and applies inbound frames through the
// read-state engine.
type ChatServer struct {
	log      *log.Logger
	serverId string
	engine   Engine
	friends  FriendDirectory
	presence presence.Directory
	relay    relay.Relay
	stats    stats.StatsProvider
	events   EventPublisher
	registry *Registry
}

func NewChatServer(logger *log.Logger, serverId string, deps Deps) (*ChatServer, error) {
	switch {
	case serverId == "":
		return nil, errors.New("server id is required")
	case deps.Engine == nil, deps.Friends == nil, deps.Presence == nil, deps.Relay == nil, deps.Stats == nil:
		return nil, errors.New("chat server dependencies are incomplete")
	}

	for _, name := range stats.Counters {
		deps.Stats.RegisterMetric(name)
	}

	return &ChatServer{
		log:      logger,
		serverId: serverId,
		engine:   deps.Engine,
		friends:  deps.Friends,
		presence: deps.Presence,
		relay:    deps.Relay,
		stats:    deps.Stats,
		events:   deps.Events,
		registry: NewRegistry(),
	}, nil
}

func (cs *ChatServer) ServerId() string {
	return cs.serverId
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

// Start subscribes to this process's relay topic. It must return before
// any client is accepted.
func (cs *ChatServer) Start(ctx context.Context) error {
	if err := cs.relay.Subscribe(ctx, cs.onRelay); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	cs.log.Printf("chat server %s started", cs.serverId)
	return nil
}

// Open moves an authenticated client to OPEN, registers it, claims the
// user's presence and sends what the user missed while offline. The
// client's write pump must already be running.
func (cs *ChatServer) Open(ctx context.Context, c *Client) error {
	if !c.open() {
		return fmt.Errorf("open client for user %d: %w", c.user.Id, errClientClosed)
	}
	cs.stats.Incr(stats.ConnectedClients)

	if prev := cs.registry.Register(c); prev != nil {
		cs.evict(prev, "replaced by a newer local connection")
	}

	prev, replaced, err := cs.presence.SetOnline(ctx, c.user.Id, c.connId)
	if err != nil {
		cs.log.Printf("presence for user %d: %v", c.user.Id, err)
	} else if replaced && prev.ServerId != cs.serverId && prev.ConnId != c.connId {
		if err := cs.relay.Publish(ctx, prev.ServerId, relay.Revoke(c.user.Id, prev.ConnId)); err != nil {
			cs.log.Printf("revoke stale session of user %d on %s: %v", c.user.Id, prev.ServerId, err)
		}
	}

	cs.log.Printf("user %d connected (conn %s)", c.user.Id, c.connId)

	cs.sendPending(ctx, c)
	cs.notifyFriends(ctx, c.user, true)
	return nil
}

// Close handles a client whose transport went away. Only the user's
// current client takes the user offline.
func (cs *ChatServer) Close(c *Client) {
	if !c.close() {
		return
	}
	cs.stats.Decr(stats.ConnectedClients)

	if !cs.registry.RemoveSession(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := cs.presence.SetOffline(ctx, c.user.Id, c.connId); err != nil {
		cs.log.Printf("presence for user %d: %v", c.user.Id, err)
	}

	cs.log.Printf("user %d disconnected (conn %s)", c.user.Id, c.connId)
	cs.notifyFriends(ctx, c.user, false)
}

// evict closes a client that has been superseded by a newer connection.
// The user stays online, so presence and friends are left alone.
func (cs *ChatServer) evict(c *Client, reason string) {
	cs.registry.RemoveSession(c)
	if c.close() {
		cs.stats.Decr(stats.ConnectedClients)
		cs.log.Printf("closed conn %s of user %d: %s", c.connId, c.user.Id, reason)
	}
}

func (cs *ChatServer) sendPending(ctx context.Context, c *Client) {
	pending, err := cs.engine.Undelivered(ctx, c.user.Id)
	if err != nil {
		cs.log.Printf("undelivered messages for user %d: %v", c.user.Id, err)
		return
	}

	for _, group := range pending {
		for _, msg := range group.Messages {
			data, err := serializeFrame(MessageReceived(msg))
			if err != nil {
				cs.log.Println("failed to serialize frame:", err)
				continue
			}
			if err := c.deliverWait(ctx, data); err != nil {
				cs.log.Printf("failed to send pending message %d to user %d: %v", msg.Id, c.user.Id, err)
				return
			}
		}
	}
}

func (cs *ChatServer) notifyFriends(ctx context.Context, user database.User, online bool) {
	friendIds, err := cs.friends.FriendIds(ctx, user.Id)
	if err != nil {
		cs.log.Printf("friends of user %d: %v", user.Id, err)
		return
	}

	cs.fanOutIds(ctx, friendIds, UserStatus(user, online))
}

func (cs *ChatServer) handleFrame(c *Client, raw []byte) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		cs.log.Printf("error parsing frame from user %d: %v", c.user.Id, err)
		c.queueFrame(errorResponse("", errBadRequest))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch f.Type {
	case TypeMessageSend:
		err = cs.handleSend(ctx, c, f)
	case TypeMessageRead:
		err = cs.handleRead(ctx, c, f)
	case TypeMessageUpdate:
		err = cs.handleUpdate(ctx, c, f)
	case TypeMessageDelete:
		err = cs.handleDelete(ctx, c, f)
	case TypeRoomInvite:
		err = cs.handleInvite(ctx, c, f)
	case TypeRoomLeave:
		err = cs.handleLeave(ctx, c, f)
	case TypeHeartbeat:
		cs.handleHeartbeat(ctx, c)
	default:
		cs.log.Printf("unknown frame type %q from user %d", f.Type, c.user.Id)
	}

	if err != nil {
		if errorCode(err) == CodeInternal {
			cs.log.Printf("%s from user %d: %v", f.Type, c.user.Id, err)
		}
		c.queueFrame(errorResponse(f.RequestId, err))
	}
}

func (cs *ChatServer) handleSend(ctx context.Context, c *Client, f ClientFrame) error {
	if f.ChatRoomId <= 0 || (f.Content == "" && f.FileId <= 0) {
		return errBadRequest
	}

	if f.FileId > 0 {
		return cs.handleSendFile(ctx, c, f)
	}

	res, err := cs.engine.SendMessage(ctx, c.user.Id, f.ChatRoomId, f.Content)
	if err != nil {
		return err
	}
	cs.stats.Incr(stats.MessagesSent)

	cs.fanOut(ctx, res.Members, MessageReceived(res.Message), 0)
	return nil
}

func (cs *ChatServer) handleSendFile(ctx context.Context, c *Client, f ClientFrame) error {
	res, err := cs.engine.SendFileMessage(ctx, c.user.Id, f.ChatRoomId, f.FileId)
	if err != nil {
		return err
	}
	cs.stats.Incr(stats.MessagesSent)

	if cs.events != nil && res.File != nil {
		cs.events.Publish(events.FileMessageSent{
			MessageId:   res.Message.Id,
			RoomId:      res.Message.RoomId,
			SenderId:    c.user.Id,
			FileId:      res.File.Id,
			StoredPath:  res.File.StoredPath,
			ContentType: res.File.ContentType,
		})
	}

	frame := MessageReceived(res.Message)
	if res.File != nil {
		frame = FileMessageReceived(res.Message, *res.File)
	}
	cs.fanOut(ctx, res.Members, frame, 0)
	return nil
}

func (cs *ChatServer) handleRead(ctx context.Context, c *Client, f ClientFrame) error {
	if f.ChatRoomId <= 0 {
		return errBadRequest
	}

	res, err := cs.engine.MarkRead(ctx, c.user.Id, f.ChatRoomId)
	if err != nil {
		return err
	}

	if !res.Applied() {
		return nil
	}

	cs.fanOut(ctx, res.Members, MessagesRead(res.RoomId, res.ReaderId, res.LastReadMessageId), c.user.Id)
	return nil
}

func (cs *ChatServer) handleUpdate(ctx context.Context, c *Client, f ClientFrame) error {
	if f.MessageId <= 0 || f.Content == "" {
		return errBadRequest
	}

	res, err := cs.engine.EditMessage(ctx, c.user.Id, f.MessageId, f.Content)
	if err != nil {
		return err
	}

	cs.fanOut(ctx, res.Members, MessageEdited(res.Message), 0)
	return nil
}

func (cs *ChatServer) handleDelete(ctx context.Context, c *Client, f ClientFrame) error {
	if f.MessageId <= 0 {
		return errBadRequest
	}

	res, err := cs.engine.DeleteMessage(ctx, c.user.Id, f.MessageId)
	if err != nil {
		return err
	}

	cs.fanOut(ctx, res.Members, MessageDeleted(res.Message), 0)
	return nil
}

func (cs *ChatServer) handleInvite(ctx context.Context, c *Client, f ClientFrame) error {
	if f.ChatRoomId <= 0 || len(f.UserIds) == 0 {
		return errBadRequest
	}

	res, err := cs.engine.InviteMembers(ctx, c.user.Id, f.ChatRoomId, f.UserIds)
	if err != nil {
		return err
	}

	if len(res.InvitedUserIds) == 0 {
		return nil
	}

	cs.fanOut(ctx, res.Members, RoomInvite(res.RoomId, res.InvitedUserIds), 0)
	if res.SystemMessage != nil {
		cs.fanOut(ctx, res.Members, MessageReceived(*res.SystemMessage), 0)
	}
	return nil
}

func (cs *ChatServer) handleLeave(ctx context.Context, c *Client, f ClientFrame) error {
	if f.ChatRoomId <= 0 {
		return errBadRequest
	}

	res, err := cs.engine.LeaveRoom(ctx, c.user.Id, f.ChatRoomId)
	if err != nil {
		return err
	}

	recipients := append([]int64{c.user.Id}, memberIds(res.Remaining)...)
	cs.fanOutIds(ctx, recipients, RoomLeave(res.RoomId, res.UserId, res.Username))

	if res.SystemMessage != nil {
		cs.fanOut(ctx, res.Remaining, MessageReceived(*res.SystemMessage), 0)
	}
	return nil
}

func (cs *ChatServer) handleHeartbeat(ctx context.Context, c *Client) {
	ok, err := cs.presence.Refresh(ctx, c.user.Id, c.connId)
	if err != nil {
		cs.log.Printf("presence for user %d: %v", c.user.Id, err)
		return
	}
	if !ok {
		cs.log.Printf("heartbeat from superseded conn %s of user %d", c.connId, c.user.Id)
	}
}

func memberIds(members []database.Membership) []int64 {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.UserId
	}
	return ids
}

// fanOut delivers frame to every member except skip. Pass 0 to include
// everyone.
func (cs *ChatServer) fanOut(ctx context.Context, members []database.Membership, frame *ServerFrame, skip int64) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if m.UserId != skip {
			ids = append(ids, m.UserId)
		}
	}
	cs.fanOutIds(ctx, ids, frame)
}

// fanOutIds makes one independent delivery attempt per user. A failure
// for one user never affects the others.
func (cs *ChatServer) fanOutIds(ctx context.Context, userIds []int64, frame *ServerFrame) {
	if len(userIds) == 0 {
		return
	}

	data, err := serializeFrame(frame)
	if err != nil {
		cs.log.Println("failed to serialize frame:", err)
		return
	}

	var wg sync.WaitGroup
	for _, id := range userIds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cs.sendToUser(ctx, id, data)
		}()
	}
	wg.Wait()
}

// sendToUser writes to the user's local client if there is an open one,
// and otherwise relays to the process that owns the user. Users that are
// offline or unreachable are skipped.
func (cs *ChatServer) sendToUser(ctx context.Context, userId int64, data []byte) {
	if c, ok := cs.registry.OpenClient(userId); ok {
		if err := c.Deliver(data); err != nil {
			cs.stats.Incr(stats.DeliveryFailures)
			cs.log.Printf("delivery to user %d failed: %v", userId, err)
		}
		return
	}

	owner, ok, err := cs.presence.OwnerOf(ctx, userId)
	if err != nil {
		cs.stats.Incr(stats.DeliveryFailures)
		cs.log.Printf("delivery to user %d failed: %v", userId, err)
		return
	}

	if !ok || owner.ServerId == cs.serverId {
		return
	}

	if err := cs.relay.Publish(ctx, owner.ServerId, relay.Deliver(userId, data)); err != nil {
		cs.stats.Incr(stats.DeliveryFailures)
		cs.log.Printf("relay to user %d on %s failed: %v", userId, owner.ServerId, err)
		return
	}
	cs.stats.Incr(stats.RelayPublished)
}

func (cs *ChatServer) onRelay(env relay.Envelope) {
	cs.stats.Incr(stats.RelayReceived)

	if env.Kind == relay.KindRevoke {
		if c, ok := cs.registry.Get(env.TargetUserId); ok && c.connId == env.ConnId {
			cs.evict(c, "revoked by a newer connection on another server")
		}
		return
	}

	c, ok := cs.registry.OpenClient(env.TargetUserId)
	if !ok {
		cs.stats.Incr(stats.RelayDropped)
		return
	}

	if err := c.Deliver(env.Message); err != nil {
		cs.stats.Incr(stats.DeliveryFailures)
		cs.log.Printf("relayed delivery to user %d failed: %v", env.TargetUserId, err)
	}
}

// Shutdown takes every local user offline and stops the relay
// subscription.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server")

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range cs.registry.Clients() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cs.Close(c)
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("chat server shutdown: %w", ctx.Err())
	}

	if err := cs.relay.Close(); err != nil {
		return fmt.Errorf("relay close: %w", err)
	}

	return nil
}
