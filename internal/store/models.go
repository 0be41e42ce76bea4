package store

// Positions an operative can hold. New accounts start as Operative.
const (
	PositionCommander = "Commander"
	PositionSentinel  = "Sentinel"
	PositionArchitect = "Architect"
	PositionOperative = "Operative"
)

// User is the persisted profile record. Field names are the wire contract
// with the backing store and must round-trip losslessly.
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	Avatar      string   `json:"avatar"`
	Bio         string   `json:"bio"`
	JoinedAt    int64    `json:"joinedAt"`
	CreatedAt   int64    `json:"createdAt"`
	CommsCode   string   `json:"commsCode"`
	Position    string   `json:"position"`
	HouseIDs    []string `json:"houseIds"`
	ContactIDs  []string `json:"contactIds"`
}

// InHouse reports whether the user's membership set contains houseID.
func (u User) InHouse(houseID string) bool {
	for _, id := range u.HouseIDs {
		if id == houseID {
			return true
		}
	}
	return false
}

// UserPatch is a partial update; nil fields are left untouched.
type UserPatch struct {
	DisplayName *string   `json:"displayName,omitempty"`
	Avatar      *string   `json:"avatar,omitempty"`
	Bio         *string   `json:"bio,omitempty"`
	Position    *string   `json:"position,omitempty"`
	HouseIDs    *[]string `json:"houseIds,omitempty"`
	ContactIDs  *[]string `json:"contactIds,omitempty"`
}

// House is a private community with its own message channel.
type House struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ImageURL      string   `json:"imageUrl"`
	InviteCode    string   `json:"inviteCode"`
	OwnerID       string   `json:"ownerId"`
	MembersCount  int      `json:"membersCount"`
	ActivityScore int      `json:"activityScore"`
	Tags          []string `json:"tags"`
	IsPrivate     bool     `json:"isPrivate"`
}

// Membership is the durable fact that a user belongs to a house.
// The (HouseID, UserID) pair is the composite key; inserts are idempotent.
type Membership struct {
	HouseID  string `json:"houseId"`
	UserID   string `json:"userId"`
	JoinedAt int64  `json:"joinedAt"`
}

// Message belongs to exactly one channel. HouseID carries the resolved
// channel id, which is either a house id or a derived direct-message id.
// Sender name and avatar are captured at send time and stay as sent even
// if the profile changes later.
type Message struct {
	ID           string `json:"id"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar"`
	Content      string `json:"content"`
	Image        string `json:"image,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	HouseID      string `json:"houseId"`
}

// Credential is the identity-provider side of an account. It is never
// serialized toward clients.
type Credential struct {
	PrincipalID  string
	Email        string
	PasswordHash string
	CreatedAt    int64
}
