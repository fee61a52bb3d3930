package storage

import "golang.org/x/crypto/bcrypt"

// DefaultHashCost is the bcrypt cost used when a driver is not configured otherwise.
const DefaultHashCost = bcrypt.DefaultCost

// HashPassword creates a bcrypt hash of the given password at DefaultHashCost.
//
// Precondition: password must be at most 72 bytes.
// Postcondition: Returns a bcrypt hash string.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, DefaultHashCost)
}

// HashPasswordCost creates a bcrypt hash with an explicit cost. Costs below
// bcrypt.MinCost are raised to it.
func HashPasswordCost(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
//
// Postcondition: Returns true if password matches the hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
