package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/config"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/presence"
	"github.com/npezzotti/go-chatfleet/internal/readstate"
	"github.com/npezzotti/go-chatfleet/internal/relay"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type mockRoomReader struct {
	mock.Mock
}

func (m *mockRoomReader) CreateRoom(ctx context.Context, creatorId int64, userIds []int64) (readstate.RoomSummary, error) {
	args := m.Called(ctx, creatorId, userIds)
	room, _ := args.Get(0).(readstate.RoomSummary)
	return room, args.Error(1)
}

func (m *mockRoomReader) Rooms(ctx context.Context, userId int64) ([]readstate.RoomSummary, error) {
	args := m.Called(ctx, userId)
	rooms, _ := args.Get(0).([]readstate.RoomSummary)
	return rooms, args.Error(1)
}

func (m *mockRoomReader) History(ctx context.Context, userId, roomId int64, page, size int) ([]database.Message, error) {
	args := m.Called(ctx, userId, roomId, page, size)
	msgs, _ := args.Get(0).([]database.Message)
	return msgs, args.Error(1)
}

func newTestApp(t *testing.T, cs *server.ChatServer, db UserStore, rooms RoomReader) *GoChatApp {
	return NewGoChatApp(http.NewServeMux(), testutil.TestLogger(t), cs, db, rooms, &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

func authedRequest(t *testing.T, method, target string, userId int64) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: testutil.SignToken(t, testSigningKey, userId, time.Hour)})
	return req
}

func Test_healthCheck(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()
			app := newTestApp(t, nil, mockRepo, nil)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.srv.Handler.ServeHTTP(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_getRooms(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("lists rooms", func(t *testing.T) {
		rooms := &mockRoomReader{}
		defer rooms.AssertExpectations(t)
		rooms.On("Rooms", mock.Anything, int64(1)).Return([]readstate.RoomSummary{
			{RoomId: 3, Type: database.RoomGroup, Members: []string{"alice", "bob"}, UnreadCount: 2, CreatedAt: created},
		}, nil).Once()

		app := newTestApp(t, nil, nil, rooms)
		rr := httptest.NewRecorder()
		app.srv.Handler.ServeHTTP(rr, authedRequest(t, http.MethodGet, "/api/rooms", 1))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t,
			`[{"id":3,"type":"GROUP","members":["alice","bob"],"unread_count":2,"created_at":"2025-01-02T03:04:05Z"}]`,
			rr.Body.String())
	})

	t.Run("no rooms", func(t *testing.T) {
		rooms := &mockRoomReader{}
		rooms.On("Rooms", mock.Anything, int64(1)).Return([]readstate.RoomSummary{}, nil).Once()

		app := newTestApp(t, nil, nil, rooms)
		rr := httptest.NewRecorder()
		app.srv.Handler.ServeHTTP(rr, authedRequest(t, http.MethodGet, "/api/rooms", 1))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})

	t.Run("storage error", func(t *testing.T) {
		rooms := &mockRoomReader{}
		rooms.On("Rooms", mock.Anything, int64(1)).Return(nil, errors.New("db down")).Once()

		app := newTestApp(t, nil, nil, rooms)
		rr := httptest.NewRecorder()
		app.srv.Handler.ServeHTTP(rr, authedRequest(t, http.MethodGet, "/api/rooms", 1))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "db down", "expected error details to stay in the log")
	})

	t.Run("unauthenticated", func(t *testing.T) {
		app := newTestApp(t, nil, nil, &mockRoomReader{})
		rr := httptest.NewRecorder()
		app.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func Test_createRoom(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tcases := []struct {
		name       string
		body       string
		mock       func(m *mockRoomReader)
		statusCode int
		expected   string
	}{
		{
			name: "direct room",
			body: `{"user_ids":[2]}`,
			mock: func(m *mockRoomReader) {
				m.On("CreateRoom", mock.Anything, int64(1), []int64{2}).Return(readstate.RoomSummary{
					RoomId: 7, Type: database.RoomDirect, Members: []string{"alice", "bob"}, CreatedAt: created,
				}, nil).Once()
			},
			statusCode: http.StatusCreated,
			expected:   `{"id":7,"type":"DIRECT","members":["alice","bob"],"unread_count":0,"created_at":"2025-01-02T03:04:05Z"}`,
		},
		{
			name:       "malformed body",
			body:       `{"user_ids":`,
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "no users",
			body:       `{"user_ids":[]}`,
			statusCode: http.StatusBadRequest,
		},
		{
			name: "not a friend",
			body: `{"user_ids":[2,3]}`,
			mock: func(m *mockRoomReader) {
				m.On("CreateRoom", mock.Anything, int64(1), []int64{2, 3}).
					Return(nil, fmt.Errorf("user 3: %w", readstate.ErrNotFriend)).Once()
			},
			statusCode: http.StatusForbidden,
		},
		{
			name: "self invite",
			body: `{"user_ids":[1]}`,
			mock: func(m *mockRoomReader) {
				m.On("CreateRoom", mock.Anything, int64(1), []int64{1}).Return(nil, readstate.ErrSelfInvite).Once()
			},
			statusCode: http.StatusBadRequest,
		},
		{
			name: "unknown user",
			body: `{"user_ids":[9]}`,
			mock: func(m *mockRoomReader) {
				m.On("CreateRoom", mock.Anything, int64(1), []int64{9}).
					Return(nil, fmt.Errorf("user: %w", readstate.ErrNotFound)).Once()
			},
			statusCode: http.StatusNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rooms := &mockRoomReader{}
			defer rooms.AssertExpectations(t)
			if tc.mock != nil {
				tc.mock(rooms)
			}

			app := newTestApp(t, nil, nil, rooms)
			req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(tc.body))
			req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: testutil.SignToken(t, testSigningKey, 1, time.Hour)})
			rr := httptest.NewRecorder()
			app.srv.Handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.statusCode, rr.Code, "unexpected status code")
			if tc.expected != "" {
				assert.JSONEq(t, tc.expected, rr.Body.String())
			}
		})
	}
}

func Test_getMessages(t *testing.T) {
	sender := int64(2)
	msgs := []database.Message{
		{Id: 9, RoomId: 3, SenderId: &sender, SenderName: "bob", Content: "latest", UnreadCount: 1, Type: database.MessageChat},
		{Id: 8, RoomId: 3, SenderId: &sender, SenderName: "bob", Content: "secret", Type: database.MessageChat, Deleted: true},
	}

	tcases := []struct {
		name       string
		target     string
		mock       func(m *mockRoomReader)
		statusCode int
	}{
		{
			name:   "default page",
			target: "/api/rooms/3/messages",
			mock: func(m *mockRoomReader) {
				m.On("History", mock.Anything, int64(1), int64(3), 0, 0).Return(msgs, nil).Once()
			},
			statusCode: http.StatusOK,
		},
		{
			name:   "explicit page",
			target: "/api/rooms/3/messages?page=2&size=10",
			mock: func(m *mockRoomReader) {
				m.On("History", mock.Anything, int64(1), int64(3), 2, 10).Return(msgs, nil).Once()
			},
			statusCode: http.StatusOK,
		},
		{
			name:       "bad room id",
			target:     "/api/rooms/abc/messages",
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "negative page",
			target:     "/api/rooms/3/messages?page=-1",
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "page too large",
			target:     fmt.Sprintf("/api/rooms/3/messages?size=%d", maxPageSize+1),
			statusCode: http.StatusBadRequest,
		},
		{
			name:   "not a member",
			target: "/api/rooms/3/messages",
			mock: func(m *mockRoomReader) {
				m.On("History", mock.Anything, int64(1), int64(3), 0, 0).Return(nil, readstate.ErrNotAMember).Once()
			},
			statusCode: http.StatusForbidden,
		},
		{
			name:   "left member",
			target: "/api/rooms/3/messages",
			mock: func(m *mockRoomReader) {
				m.On("History", mock.Anything, int64(1), int64(3), 0, 0).Return(nil, fmt.Errorf("history: %w", readstate.ErrNotAMember)).Once()
			},
			statusCode: http.StatusForbidden,
		},
		{
			name:   "storage error",
			target: "/api/rooms/3/messages",
			mock: func(m *mockRoomReader) {
				m.On("History", mock.Anything, int64(1), int64(3), 0, 0).Return(nil, errors.New("db down")).Once()
			},
			statusCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rooms := &mockRoomReader{}
			defer rooms.AssertExpectations(t)
			if tc.mock != nil {
				tc.mock(rooms)
			}

			app := newTestApp(t, nil, nil, rooms)
			rr := httptest.NewRecorder()
			app.srv.Handler.ServeHTTP(rr, authedRequest(t, http.MethodGet, tc.target, 1))

			assert.Equal(t, tc.statusCode, rr.Code, "unexpected status code")
			if tc.statusCode != http.StatusOK {
				var errResp ApiError
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
				assert.Equal(t, tc.statusCode, errResp.StatusCode)
				return
			}

			var got []Message
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
			require.Len(t, got, 2)
			assert.Equal(t, int64(9), got[0].Id, "expected newest first")
			assert.Equal(t, "latest", got[0].Content)
			assert.True(t, got[1].Deleted)
			assert.Empty(t, got[1].Content, "expected deleted content to be hidden")
		})
	}
}

func newTestChatServer(t *testing.T, repo *database.MockChatRepository) *server.ChatServer {
	logger := testutil.TestLogger(t)
	_, rdb := testutil.NewRedis(t)
	rl := relay.NewRedisRelay(logger, rdb, "api-test")

	cs, err := server.NewChatServer(logger, "api-test", server.Deps{
		Engine:   readstate.NewEngine(logger, repo),
		Friends:  repo,
		Presence: presence.NewRedisDirectory(rdb, "api-test", time.Minute),
		Relay:    rl,
		Stats:    (&stats.MockStatsUpdater{}).AllowAll(),
	})
	require.NoError(t, err, "failed to create chat server")
	require.NoError(t, cs.Start(context.Background()))
	t.Cleanup(func() { rl.Close() })
	return cs
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func Test_serveWs(t *testing.T) {
	t.Run("rejects a missing token before upgrading", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		cs := newTestChatServer(t, repo)
		srv := httptest.NewServer(newTestApp(t, cs, repo, nil).srv.Handler)
		defer srv.Close()

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
		require.Error(t, err, "expected handshake to fail")
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, cs.Registry().Len(), "expected nothing to be registered")
	})

	t.Run("rejects an invalid token", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		cs := newTestChatServer(t, repo)
		srv := httptest.NewServer(newTestApp(t, cs, repo, nil).srv.Handler)
		defer srv.Close()

		token := testutil.SignToken(t, []byte("other-key"), 1, time.Hour)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		repo.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
	})

	t.Run("unknown user", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		repo.On("GetUser", mock.Anything, int64(1)).Return(database.User{}, sql.ErrNoRows).Once()
		cs := newTestChatServer(t, repo)
		srv := httptest.NewServer(newTestApp(t, cs, repo, nil).srv.Handler)
		defer srv.Close()

		token := testutil.SignToken(t, testSigningKey, 1, time.Hour)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		repo.On("GetUser", mock.Anything, int64(1)).Return(database.User{Id: 1, Username: "alice"}, nil).Once()
		cs := newTestChatServer(t, repo)
		srv := httptest.NewServer(newTestApp(t, cs, repo, nil).srv.Handler)
		defer srv.Close()

		token := testutil.SignToken(t, testSigningKey, 1, time.Hour)
		_, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), http.Header{"Origin": {"http://evil.example"}})
		assert.Error(t, err, "expected the upgrade to be refused")
		assert.Equal(t, 0, cs.Registry().Len())
	})

	t.Run("opens and closes a session", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		repo.On("GetUser", mock.Anything, int64(1)).Return(database.User{Id: 1, Username: "alice"}, nil).Once()
		repo.On("WithTx", mock.Anything).Return(nil)
		repo.On("ListMembershipsByUser", mock.Anything, int64(1)).
			Return([]database.Membership{{Id: 11, RoomId: 3, UserId: 1, Status: database.MembershipActive}}, nil)
		repo.On("ListMessagesAfter", mock.Anything, int64(3), int64(0)).
			Return([]database.Message{{Id: 5, RoomId: 3, Content: "bob joined the room.", Type: database.MessageSystem}}, nil)
		repo.On("FriendIds", mock.Anything, int64(1)).Return([]int64{}, nil)

		cs := newTestChatServer(t, repo)
		srv := httptest.NewServer(newTestApp(t, cs, repo, nil).srv.Handler)
		defer srv.Close()

		token := testutil.SignToken(t, testSigningKey, 1, time.Hour)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), nil)
		require.NoError(t, err, "expected handshake to succeed")
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame server.ServerFrame
		require.NoError(t, conn.ReadJSON(&frame), "expected the pending message")
		assert.Equal(t, server.TypeMessageReceived, frame.Type)
		assert.Equal(t, int64(5), frame.MessageId)
		assert.True(t, cs.Registry().IsOpen(1))

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, server.TypeError, frame.Type)
		assert.Equal(t, server.CodeBadRequest, frame.Code)

		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		assert.Eventually(t, func() bool {
			return cs.Registry().Len() == 0
		}, 2*time.Second, 10*time.Millisecond, "expected the session to be removed")
	})
}
