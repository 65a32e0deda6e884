/*
dto.go - Response shapes for the action API

Every response is a flat JSON envelope with an "ok" flag. Field names match
what the deployed frontend already parses, so they stay camel-case exactly
as listed here.
*/
package api

// Envelope is the generic response wrapper for errors and simple acks.
type Envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type redeemResponse struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status"`
	SKU    string `json:"productId,omitempty"`
}

// pendingResponse renders an unpaid-but-valid session. ok is false so script
// clients that only check the flag do not treat a pending payment as a
// completed redemption or award.
type pendingResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type awardResponse struct {
	OK          bool   `json:"ok"`
	Points      int64  `json:"points"`
	TotalPoints int64  `json:"totalPoints"`
	Status      string `json:"status"`
}

type pointsEntryDTO struct {
	SessionID string `json:"sessionId"`
	Amount    int64  `json:"amount"`
	Points    int64  `json:"points"`
	AwardedAt string `json:"awardedAt"`
	Status    string `json:"status"`
}

type pointsResponse struct {
	OK          bool             `json:"ok"`
	TotalPoints int64            `json:"totalPoints"`
	History     []pointsEntryDTO `json:"history"`
}

type stockResponse struct {
	OK        bool   `json:"ok"`
	Available bool   `json:"available"`
	Count     int    `json:"count"`
	SKU       string `json:"productId"`
}

type bindResponse struct {
	OK           bool   `json:"ok"`
	MemberNumber string `json:"memberNumber"`
	Status       string `json:"status"`
}

type bindingDTO struct {
	UID          string `json:"uid"`
	MemberNumber string `json:"memberNumber"`
	BoundAt      string `json:"boundAt"`
	Status       string `json:"status"`
	Notes        string `json:"notes,omitempty"`
}

type getBindingResponse struct {
	OK      bool        `json:"ok"`
	Bound   bool        `json:"bound"`
	Binding *bindingDTO `json:"binding,omitempty"`
}

type memberDTO struct {
	ID           string `json:"id"`
	MemberNumber string `json:"memberNumber,omitempty"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	Source       string `json:"source,omitempty"`
}

type findMemberResponse struct {
	OK      bool        `json:"ok"`
	Found   bool        `json:"found"`
	Binding *bindingDTO `json:"binding,omitempty"`
	Member  *memberDTO  `json:"member,omitempty"`
}

type validationDTO struct {
	Original   string     `json:"original"`
	Normalized string     `json:"normalized,omitempty"`
	Valid      bool       `json:"valid"`
	Exists     bool       `json:"exists"`
	Member     *memberDTO `json:"member,omitempty"`
}

type validateNumbersResponse struct {
	OK      bool            `json:"ok"`
	Results []validationDTO `json:"results"`
}

type importResponse struct {
	OK       bool   `json:"ok"`
	MemberID string `json:"memberId"`
	Status   string `json:"status"`
}

type statsResponse struct {
	OK           bool           `json:"ok"`
	TotalMembers int            `json:"totalMembers"`
	BySource     map[string]int `json:"bySource"`
	TotalPoints  int64          `json:"totalPoints"`
}

type healthResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}
