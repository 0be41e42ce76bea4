package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Users ---

const userColumns = `id, username, display_name, avatar, bio, joined_at, created_at, comms_code, position, house_ids, contact_ids`

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return scanUser(row)
}

func (s *PostgresStore) PutUser(ctx context.Context, user User) error {
	houseIDs, err := encodeList(user.HouseIDs)
	if err != nil {
		return err
	}
	contactIDs, err := encodeList(user.ContactIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, avatar, bio, joined_at, created_at, comms_code, position, house_ids, contact_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar = EXCLUDED.avatar,
			bio = EXCLUDED.bio,
			joined_at = EXCLUDED.joined_at,
			created_at = EXCLUDED.created_at,
			comms_code = EXCLUDED.comms_code,
			position = EXCLUDED.position,
			house_ids = EXCLUDED.house_ids,
			contact_ids = EXCLUDED.contact_ids
	`, user.ID, user.Username, user.DisplayName, user.Avatar, user.Bio,
		user.JoinedAt, user.CreatedAt, user.CommsCode, user.Position, houseIDs, contactIDs)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, patch UserPatch) error {
	sets := []string{}
	args := []any{}
	argN := 1

	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}

	if patch.DisplayName != nil {
		add("display_name", *patch.DisplayName)
	}
	if patch.Avatar != nil {
		add("avatar", *patch.Avatar)
	}
	if patch.Bio != nil {
		add("bio", *patch.Bio)
	}
	if patch.Position != nil {
		add("position", *patch.Position)
	}
	if patch.HouseIDs != nil {
		encoded, err := encodeList(*patch.HouseIDs)
		if err != nil {
			return err
		}
		add("house_ids", encoded)
	}
	if patch.ContactIDs != nil {
		encoded, err := encodeList(*patch.ContactIDs)
		if err != nil {
			return err
		}
		add("contact_ids", encoded)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d`, strings.Join(sets, ", "), argN)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNoRecord
	}
	return nil
}

// --- Houses ---

const houseColumns = `id, name, description, image_url, invite_code, owner_id, members_count, activity_score, tags, is_private`

func (s *PostgresStore) ListHouses(ctx context.Context) ([]House, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+houseColumns+` FROM houses ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list houses: %w", err)
	}
	defer rows.Close()

	var houses []House
	for rows.Next() {
		house, err := scanHouse(rows)
		if err != nil {
			return nil, err
		}
		houses = append(houses, house)
	}
	return houses, rows.Err()
}

func (s *PostgresStore) GetHouse(ctx context.Context, id string) (House, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+houseColumns+` FROM houses WHERE id=$1`, id)
	return scanHouse(row)
}

func (s *PostgresStore) PutHouse(ctx context.Context, house House) error {
	tags, err := encodeList(house.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO houses (id, name, description, image_url, invite_code, owner_id, members_count, activity_score, tags, is_private)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			invite_code = EXCLUDED.invite_code,
			owner_id = EXCLUDED.owner_id,
			members_count = EXCLUDED.members_count,
			activity_score = EXCLUDED.activity_score,
			tags = EXCLUDED.tags,
			is_private = EXCLUDED.is_private
	`, house.ID, house.Name, house.Description, house.ImageURL, house.InviteCode,
		house.OwnerID, house.MembersCount, house.ActivityScore, tags, house.IsPrivate)
	if err != nil {
		return fmt.Errorf("put house: %w", err)
	}
	return nil
}

func (s *PostgresStore) HouseByInviteCode(ctx context.Context, code string) (House, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+houseColumns+` FROM houses WHERE invite_code=$1`, code)
	return scanHouse(row)
}

func (s *PostgresStore) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM houses WHERE invite_code=$1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check invite code: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) IncrementHouseMembers(ctx context.Context, houseID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE houses SET members_count = members_count + 1 WHERE id=$1`, houseID)
	if err != nil {
		return fmt.Errorf("increment members: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNoRecord
	}
	return nil
}

// --- Memberships ---

func (s *PostgresStore) PutMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO house_members (house_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (house_id, user_id) DO NOTHING
	`, m.HouseID, m.UserID, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("put membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsMember(ctx context.Context, houseID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM house_members WHERE house_id=$1 AND user_id=$2)`,
		houseID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, houseID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT house_id, user_id, joined_at FROM house_members WHERE house_id=$1 ORDER BY joined_at ASC`,
		houseID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.HouseID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Messages ---

func (s *PostgresStore) ListMessages(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, sender_name, sender_avatar, content, image, ts, house_id
		FROM messages
		WHERE house_id=$1
		ORDER BY ts ASC, id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Content, &m.Image, &m.Timestamp, &m.HouseID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) AddMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, sender_name, sender_avatar, content, image, ts, house_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.SenderID, msg.SenderName, msg.SenderAvatar, msg.Content, msg.Image, msg.Timestamp, msg.HouseID)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// --- Credentials ---

func (s *PostgresStore) CreateCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (principal_id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, cred.PrincipalID, cred.Email, cred.PasswordHash, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) CredentialByEmail(ctx context.Context, email string) (Credential, error) {
	var cred Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, email, password_hash, created_at FROM credentials WHERE email=$1
	`, email).Scan(&cred.PrincipalID, &cred.Email, &cred.PasswordHash, &cred.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoRecord
	}
	if err != nil {
		return Credential{}, fmt.Errorf("lookup credential: %w", err)
	}
	return cred, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var houseIDs, contactIDs []byte
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Avatar, &user.Bio,
		&user.JoinedAt, &user.CreatedAt, &user.CommsCode, &user.Position, &houseIDs, &contactIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNoRecord
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	if user.HouseIDs, err = decodeList(houseIDs); err != nil {
		return User{}, err
	}
	if user.ContactIDs, err = decodeList(contactIDs); err != nil {
		return User{}, err
	}
	return user, nil
}

func scanHouse(row rowScanner) (House, error) {
	var house House
	var tags []byte
	err := row.Scan(&house.ID, &house.Name, &house.Description, &house.ImageURL, &house.InviteCode,
		&house.OwnerID, &house.MembersCount, &house.ActivityScore, &tags, &house.IsPrivate)
	if errors.Is(err, sql.ErrNoRows) {
		return House{}, ErrNoRecord
	}
	if err != nil {
		return House{}, fmt.Errorf("scan house: %w", err)
	}
	if house.Tags, err = decodeList(tags); err != nil {
		return House{}, err
	}
	return house, nil
}

func encodeList(list []string) ([]byte, error) {
	if list == nil {
		list = []string{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode list: %w", err)
	}
	return encoded, nil
}

func decodeList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}
