package fakeuserrepo

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/users"
)

var _ users.UserRepo = (*FakeUserRepo)(nil)

type FakeUserRepo struct {
	users    map[string]users.User
	emailIds map[string]string // normalised email to user id
	phoneIds map[string]string
	lock     sync.RWMutex
}

func NewFakeUserRepo() users.UserRepo {
	return &FakeUserRepo{
		users:    make(map[string]users.User),
		emailIds: make(map[string]string),
		phoneIds: make(map[string]string),
	}
}

// Upsert stores a copy of user, assigning an ID when it has none. The email and
// phone indexes follow the stored record.
func (ur *FakeUserRepo) Upsert(user *users.User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if previous, ok := ur.users[user.ID]; ok {
		delete(ur.emailIds, normaliseEmail(previous.Email))
		delete(ur.phoneIds, previous.Phone)
	}
	ur.users[user.ID] = *user
	if email := normaliseEmail(user.Email); email != "" {
		ur.emailIds[email] = user.ID
	}
	if user.Phone != "" {
		ur.phoneIds[user.Phone] = user.ID
	}
	return nil
}

func (ur *FakeUserRepo) GetByEmail(email string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.emailIds[normaliseEmail(email)]
	if !ok {
		return nil, users.ErrNotFound
	}
	return ur.copyOf(id)
}

func (ur *FakeUserRepo) GetByPhone(phone string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.phoneIds[phone]
	if !ok {
		return nil, users.ErrNotFound
	}
	return ur.copyOf(id)
}

func (ur *FakeUserRepo) GetByID(id string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()
	return ur.copyOf(id)
}

func (ur *FakeUserRepo) copyOf(id string) (*users.User, error) {
	user, ok := ur.users[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return &user, nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
