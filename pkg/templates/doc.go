/*
Package templates serves the read-only prompt template catalog.

The catalog boots from an embedded seed and, when an upstream URL is
configured, refreshes from it on a TTL. The upstream is best-effort: a
failed fetch logs and keeps serving whatever was cached, so the
endpoint never fails because a remote catalog is down.
*/
package templates
