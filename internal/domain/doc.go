// Package domain models weather-hazard alerts as published by the National
// Weather Service (NWS) in the Common Alerting Protocol (CAP) vocabulary.
//
// # Data Source
//
// Alerts come from the NWS public alerts API (https://api.weather.gov/alerts/active),
// filtered by county zone. Each GeoJSON feature carries a properties object
// with the CAP fields mapped onto [Alert]. Only a minimal projection is kept;
// polygons, parameters and references are ignored.
//
// # CAP Conventions
//
// Identifiers:
//
//	Alert IDs are stable URNs, e.g. "urn:oid:2.49.0.1.840.0.3c9a...".
//	The same ID is reported on every poll while the alert is active, which is
//	what lifecycle diffing keys on.
//
// County codes (UGC):
//
//	"<state><type><number>"  →  e.g. "TXC039" = Brazoria County, TX.
//	Type "C" is a county, "Z" a forecast zone. Validation expects the
//	STC### form: two state letters, one type letter, three digits.
//
// Enumerations and their order:
//
//	Severity:  Unknown < Minor < Moderate < Severe < Extreme
//	Urgency:   Unknown < Past < Future < Expected < Immediate
//	Certainty: Unknown < Unlikely < Possible < Likely < Observed
//
//	Unknown is a real CAP value and ranks lowest. Status (Actual, Exercise,
//	System, Test, Draft) and Category (Met, Geo, Safety, ...) have no order and
//	are kept as raw strings so the validator can flag values outside the set.
//
// Time window:
//
//	sent       when the message was issued
//	effective  when the information becomes valid (falls back to sent)
//	onset      optional expected beginning of the hazard
//	expires    when the information is no longer valid
//	ends       optional expected end of the hazard
//
//	expires preceding effective is a data-quality issue reported by the
//	validator; such alerts are still processed.
//
// # Time Source
//
// All "now" reads go through [Now], backed by a swappable clockwork clock so
// tests and fixture generators get reproducible ages and decay scores.
package domain
