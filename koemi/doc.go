// Package koemi implements a conversational Discord bot.
//
// The bot listens on the Discord gateway and replies to messages that
// mention it, contain one of its trigger words, arrive via DM, or land
// in a channel with reply-all enabled. Replies are produced by an
// external language-model backend, with a rolling per-user transcript
// interpolated into each prompt.
//
// Deleted messages, edits and removed reactions are kept in a bounded
// in-memory "ghost cache" per channel, retrievable via the /snipe,
// /editsnipe and /reactsnipe commands.
//
// Settings, per-channel configuration, guild trigger patterns and
// conversation memory are persisted to SQLite or PostgreSQL.
package koemi
