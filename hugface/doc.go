// Package hugface implements a Discord bot that relays conversations to a
// chat-completion model hosted on the Hugging Face inference API.
//
// The bot listens on the Discord gateway for messages that mention it at the
// start of a line, or that reply to one of its own messages while mentioning
// it. The reply chain leading up to such a message is turned into a
// role-tagged transcript, sent to the model as a streaming chat completion,
// and the buffered result is posted back as a reply.
//
// Key components of the package:
//
//   - HugFace: ties configuration, storage, Discord and the admin API together.
//   - SettingsStore: persisted model name, token limit, trigger toggles and
//     the shared API key store.
//   - TranscriptBuilder: walks reply chains into chat transcripts.
//   - Inference: the streaming chat-completion client.
//   - API: a small admin HTTP API for settings, relay logs and metrics.
//
// Owner-only text commands (prefix configurable, `!` by default):
//
//   - gethfmodel, sethfmodel <model>
//   - gethftokens, sethftokens <n>
//   - togglehfmention, togglehfreply
//   - set api <service> <name> <value>
//
// Anyone may use `chat <message>` (alias `huggingface`) to send a message to
// the model directly.
package hugface
