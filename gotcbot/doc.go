// Package gotcbot implements a Discord chatbot for a mobile strategy game
// community. Users address the bot by name, by mention, or by replying to
// it, and it answers game questions, summarizes recent channel history,
// generates images and posts stored diagrams.
//
// Key components of the package include:
//
//   - Bot: connects to discord, queues incoming messages per channel, and
//     manages the lifecycle of everything else.
//   - Router: picks one handler per message, by keyword or by asking the
//     model to classify the request.
//   - ContextBuilder: assembles channel history, retrieved documents and
//     web search results into prompt context, under a token budget.
//   - ModelClient: chat completions and embeddings, against the OpenAI API
//     or a local OpenAI-compatible server.
//   - RetrievalIndex: in-memory embedding index, built offline by Indexer.
//   - SearchAdapter: web search with provider fallback.
//   - ReplyDispatcher: splits and posts replies, at most once per message.
//   - API: optional read-only status server.
//
// Handled messages, replies and model calls are recorded to a sqlite or
// postgres database when one is configured.
package gotcbot
