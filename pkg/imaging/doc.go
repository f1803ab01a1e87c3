// Package imaging centralizes pixel math for the generation pipeline: the
// aspect-ratio by resolution-class dimension table (aligned to multiples of
// 8), content-type probing of upstream payloads, and thumbnail generation.
// Adapters never duplicate this math; they call Dimensions and pass the
// result upstream.
package imaging
