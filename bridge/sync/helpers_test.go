package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/storage/shared"
	"github.com/roomy-chat/discord-bridge/bridge/types"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/atproto"
	"github.com/roomy-chat/discord-bridge/internal/caching"
	"github.com/roomy-chat/discord-bridge/internal/kv"
)

const (
	testGuildID  = "100"
	testSpaceDid = "did:plc:abc"
)

type fakeDiscord struct {
	channels      []discordapi.Channel
	activeThreads []discordapi.Channel
	archived      map[string][]discordapi.Channel
	// messages per channel, oldest-first; GetChannelMessages serves
	// newest-first pages like Discord does.
	messages map[string][]discordapi.Message
	pinned   map[string][]discordapi.Message
	topics   map[string]string

	createdChannels []discordapi.Channel
	createdMessages []discordapi.Message
	edits           []string
	deletes         []string
	reactionAdds    []string
	reactionRemoves []string
	nextID          int
}

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		archived: map[string][]discordapi.Channel{},
		messages: map[string][]discordapi.Message{},
		pinned:   map[string][]discordapi.Message{},
		topics:   map[string]string{},
		nextID:   9000,
	}
}

func (f *fakeDiscord) GetGuildChannels(context.Context, string) ([]discordapi.Channel, error) {
	return append([]discordapi.Channel(nil), f.channels...), nil
}

func (f *fakeDiscord) GetActiveThreads(context.Context, string) ([]discordapi.Channel, error) {
	return append([]discordapi.Channel(nil), f.activeThreads...), nil
}

func (f *fakeDiscord) GetArchivedThreads(_ context.Context, channelID, _ string) ([]discordapi.Channel, bool, error) {
	return f.archived[channelID], false, nil
}

func (f *fakeDiscord) CreateGuildChannel(_ context.Context, _ string, params discordapi.CreateChannelParams) (discordapi.Channel, error) {
	f.nextID++
	topic := params.Topic
	channel := discordapi.Channel{
		ID:    strconv.Itoa(f.nextID),
		Type:  params.Type,
		Name:  params.Name,
		Topic: &topic,
	}
	f.createdChannels = append(f.createdChannels, channel)
	f.topics[channel.ID] = params.Topic
	return channel, nil
}

func (f *fakeDiscord) ModifyChannelTopic(_ context.Context, channelID, topic string) error {
	f.topics[channelID] = topic
	return nil
}

func (f *fakeDiscord) GetChannelMessages(_ context.Context, channelID, after string, limit int) ([]discordapi.Message, error) {
	var filtered []discordapi.Message
	for _, message := range f.messages[channelID] {
		if after != "" && !snowflakeGreater(message.ID, after) {
			continue
		}
		filtered = append(filtered, message)
	}
	// Newest-first, like the real API.
	sort.Slice(filtered, func(i, j int) bool { return snowflakeGreater(filtered[i].ID, filtered[j].ID) })
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (f *fakeDiscord) CreateMessage(_ context.Context, channelID string, params discordapi.CreateMessageParams) (discordapi.Message, error) {
	f.nextID++
	message := discordapi.Message{
		ID:        strconv.Itoa(f.nextID),
		ChannelID: channelID,
		Content:   params.Content,
	}
	f.createdMessages = append(f.createdMessages, message)
	return message, nil
}

func (f *fakeDiscord) EditMessage(_ context.Context, channelID, messageID, content string) (discordapi.Message, error) {
	f.edits = append(f.edits, channelID+"/"+messageID+"="+content)
	return discordapi.Message{ID: messageID, ChannelID: channelID, Content: content}, nil
}

func (f *fakeDiscord) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.deletes = append(f.deletes, channelID+"/"+messageID)
	return nil
}

func (f *fakeDiscord) PinMessage(_ context.Context, channelID, messageID string) error {
	for _, message := range f.createdMessages {
		if message.ID == messageID {
			f.pinned[channelID] = append(f.pinned[channelID], message)
		}
	}
	return nil
}

func (f *fakeDiscord) GetPinnedMessages(_ context.Context, channelID string) ([]discordapi.Message, error) {
	return f.pinned[channelID], nil
}

func (f *fakeDiscord) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	f.reactionAdds = append(f.reactionAdds, channelID+"/"+messageID+"/"+emoji)
	return nil
}

func (f *fakeDiscord) RemoveOwnReaction(_ context.Context, channelID, messageID, emoji string) error {
	f.reactionRemoves = append(f.reactionRemoves, channelID+"/"+messageID+"/"+emoji)
	return nil
}

func snowflakeGreater(a, b string) bool {
	ai, _ := strconv.ParseUint(a, 10, 64)
	bi, _ := strconv.ParseUint(b, 10, 64)
	return ai > bi
}

const fakeWebhookID = "wh-bridge"

type fakeWebhooks struct {
	executions []discordapi.WebhookExecuteParams
	channels   []string
	failWith   error
	nextID     int
}

func (f *fakeWebhooks) Execute(_ context.Context, channelID string, params discordapi.WebhookExecuteParams) (discordapi.Message, error) {
	if f.failWith != nil {
		return discordapi.Message{}, f.failWith
	}
	f.nextID++
	f.executions = append(f.executions, params)
	f.channels = append(f.channels, channelID)
	return discordapi.Message{
		ID:        fmt.Sprintf("5%03d", f.nextID),
		ChannelID: channelID,
		Content:   params.Content,
		WebhookID: fakeWebhookID,
	}, nil
}

func (f *fakeWebhooks) Owns(_ context.Context, _, webhookID string) bool {
	return webhookID == fakeWebhookID
}

// fakeRoomy is safe for the concurrent sends the channel backfill
// fan-out produces.
type fakeRoomy struct {
	mu      sync.Mutex
	sent    []types.Event
	history []types.SubscriptionItem
	sendErr error
}

func (f *fakeRoomy) FetchEvents(_ context.Context, _ string, start uint64, limit int) ([]types.SubscriptionItem, error) {
	var items []types.SubscriptionItem
	for _, item := range f.history {
		if item.Idx < start {
			continue
		}
		items = append(items, item)
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (f *fakeRoomy) SendEvent(ctx context.Context, spaceDid string, event types.Event) error {
	return f.SendEvents(ctx, spaceDid, []types.Event{event})
}

func (f *fakeRoomy) SendEvents(_ context.Context, _ string, events []types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, events...)
	return nil
}

// eventsOfType filters the sent events by $type.
func (f *fakeRoomy) eventsOfType(eventType string) []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Event
	for _, event := range f.sent {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fakeProfiles struct {
	profiles map[string]caching.Profile
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: map[string]caching.Profile{}}
}

func (f *fakeProfiles) GetProfile(did string) (caching.Profile, bool) {
	profile, ok := f.profiles[did]
	return profile, ok
}

func (f *fakeProfiles) StoreProfile(did string, profile caching.Profile) {
	f.profiles[did] = profile
}

type fakeResolver struct {
	profiles map[string]atproto.Profile
}

func (f *fakeResolver) ResolveProfile(_ context.Context, did string) (atproto.Profile, bool) {
	profile, ok := f.profiles[did]
	return profile, ok
}

type testBridge struct {
	guild    *GuildContext
	db       storage.Database
	store    storage.BindingStore
	discord  *fakeDiscord
	webhooks *fakeWebhooks
	roomy    *fakeRoomy
	profiles *fakeProfiles
	resolver *fakeResolver
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	db := shared.NewDatabase(kv.NewMemoryStore())
	binding := storage.Binding{GuildID: testGuildID, SpaceDid: testSpaceDid}
	require.NoError(t, db.RegisterBinding(context.Background(), binding.GuildID, binding.SpaceDid))

	discord := newFakeDiscord()
	webhooks := &fakeWebhooks{}
	roomy := &fakeRoomy{}
	profiles := newFakeProfiles()
	resolver := &fakeResolver{profiles: map[string]atproto.Profile{}}

	guild := NewGuildContext(binding, GuildContextOptions{
		DB:                  db,
		Roomy:               roomy,
		Discord:             discord,
		Webhooks:            webhooks,
		Profiles:            profiles,
		Resolver:            resolver,
		BackfillConcurrency: 2,
		BatchThreshold:      10,
	})
	return &testBridge{
		guild:    guild,
		db:       db,
		store:    db.ForBinding(binding),
		discord:  discord,
		webhooks: webhooks,
		roomy:    roomy,
		profiles: profiles,
		resolver: resolver,
	}
}

// mapRoom wires a channel↔room mapping directly, as the materializer
// would have done.
func (b *testBridge) mapRoom(t *testing.T, channelID, roomID string) {
	t.Helper()
	require.NoError(t, b.store.RegisterMapping(context.Background(), types.RoomIDKey(channelID), roomID))
}

func (b *testBridge) mapMessage(t *testing.T, snowflake, roomyID string) {
	t.Helper()
	require.NoError(t, b.store.RegisterMapping(context.Background(), snowflake, roomyID))
}
