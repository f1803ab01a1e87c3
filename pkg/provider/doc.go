/*
Package provider adapts upstream image-generation services behind one
interface and resolves provider names through a reloadable registry.

# Adapters

	Registry.Get(name)
	     ↓
	Provider
	  ├── Gemini  (generateContent, inline base64 parts)
	  └── OpenAI  (images/generations JSON, images/edits multipart)

The factory keys on the name family: names starting with "gemini" speak
the Gemini REST dialect, everything else is treated as
OpenAI-compatible, which covers the official API and self-hosted
proxies that mimic it. Adapters that also expose a text model implement
PromptOptimizer.

Every upstream call runs under a per-attempt deadline from the provider
configuration and a shared retry loop: transient failures (timeouts,
5xx, rate limits) back off with full jitter and retry up to the
configured budget; refusals and validation failures return immediately.
Classification lives in one place so the Gemini and OpenAI paths cannot
drift apart.

# Registry

The registry merges provider configurations from the config file and
the metadata store (store rows win), seeds the default providers into
the store on first boot, and builds the adapter set fresh on every
reload. The finished map is swapped in atomically: concurrent Get calls
see either the old set or the new one, never a partially built map. A
provider whose adapter fails to initialize is skipped and logged; it
stays visible in List as unconfigured.

NewStub provides a scriptable in-memory adapter for tests.
*/
package provider
