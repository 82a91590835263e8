// Copyright 2024-2026 Aiku AI

// Package bridge implements the relay core that keeps message state
// synchronized between a Roost deployment and Discord.
//
// # Core Types
//
// [Bridge] is the process supervisor: it owns both gateway connection
// managers, the cross-reference [Store], the [ChannelLocker] and the REST
// clients, and implements the event dispatchers for both directions.
//
// [DiscordGateway] maintains the persistent Discord gateway connection:
// identify/resume handshake, heartbeat, sequence persistence and
// unconditional reconnection. The Roost side's equivalent lives in
// pkg/roost as [roost.Socket].
//
// [Store] is the durable mapping between the two systems' identities
// (message links, attachment links) plus small scalars such as gateway
// resume state. Links are write-once and the store grows monotonically.
//
// # Ordering
//
// Every relay operation for a channel pairing is queued through the
// [ChannelLocker], keyed by the Discord channel id. Events within one
// channel run strictly in receive order; backfill holds the channel slot for
// its whole run, so live traffic arriving mid-backfill queues behind it.
// Events for different channels run concurrently.
//
// # Echo Prevention
//
// Outbound relays drop messages authored by the bridge's own Roost user;
// inbound relays drop webhook-authored messages. Without both layers the two
// platforms would echo each other's output forever.
package bridge
