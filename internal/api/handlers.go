package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/server"
)

const maxPageSize = 100

type CreateRoomRequest struct {
	UserIds []int64 `json:"user_ids"`
}

type Message struct {
	Id          int64     `json:"id"`
	RoomId      int64     `json:"chat_room_id"`
	SenderId    *int64    `json:"sender_id,omitempty"`
	SenderName  string    `json:"sender_name,omitempty"`
	Content     string    `json:"content"`
	UnreadCount int       `json:"unread_count"`
	Type        string    `json:"type"`
	Edited      bool      `json:"edited"`
	Deleted     bool      `json:"deleted"`
	FileId      *int64    `json:"file_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newMessage(msg database.Message) Message {
	m := Message{
		Id:          msg.Id,
		RoomId:      msg.RoomId,
		SenderId:    msg.SenderId,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		UnreadCount: msg.UnreadCount,
		Type:        string(msg.Type),
		Edited:      msg.Edited,
		Deleted:     msg.Deleted,
		FileId:      msg.FileId,
		CreatedAt:   msg.CreatedAt,
	}
	if m.Deleted {
		m.Content = ""
	}
	return m
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) getRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	rooms, err := s.rooms.Rooms(r.Context(), userId)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var createRoomReq CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&createRoomReq); err != nil || len(createRoomReq.UserIds) == 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	room, err := s.rooms.CreateRoom(r.Context(), userId, createRoomReq.UserIds)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || roomId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	page, ok := queryInt(r, "page")
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	size, ok := queryInt(r, "size")
	if !ok || size > maxPageSize {
		s.writeError(w, NewBadRequestError())
		return
	}

	msgs, err := s.rooms.History(r.Context(), userId, roomId, page, size)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	resp := make([]Message, len(msgs))
	for i, msg := range msgs {
		resp[i] = newMessage(msg)
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)

	// the write pump has to run first since Open queues pending messages
	go client.Write()
	if err := s.cs.Open(r.Context(), client); err != nil {
		s.log.Println("error opening connection:", err)
		s.cs.Close(client)
		return
	}
	go client.Read()
}
