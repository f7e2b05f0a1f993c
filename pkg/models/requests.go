package models

// PlanRequest is the body of POST /api/create_plan: a user summoned the
// agent in a room.
type PlanRequest struct {
	RoomID   string `json:"room_id" binding:"required"`
	Query    string `json:"query" binding:"required"`
	Summoner string `json:"summoner"`
	Assigner string `json:"assigner"`
	Assignee string `json:"assignee"`
}

// OwnerMessage is the body of POST /api/ask_admin: a privileged directive
// from the room owner that skips planning.
type OwnerMessage struct {
	RoomID       string `json:"room_id" binding:"required"`
	OwnerID      string `json:"owner_id" binding:"required"`
	OwnerMessage string `json:"owner_message" binding:"required"`
	Trust        bool   `json:"trust"`
}

// PerformRequest is the body of POST /api/perform: the log id of an
// approval_requested record the user approved.
type PerformRequest struct {
	LogID string `json:"log_id" binding:"required"`
}

// AgentMessageRequest is the body of POST /api/agent_message: an ad-hoc
// agent chat message to push into a room.
type AgentMessageRequest struct {
	Content string `json:"content" binding:"required"`
	RoomID  string `json:"room_id" binding:"required"`
}
