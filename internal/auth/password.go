package auth

import "golang.org/x/crypto/bcrypt"

// OAuthPasswordSentinel marks accounts created through Google sign-in. Such
// accounts have no local password and can never log in with one.
const OAuthPasswordSentinel = "oauth_google_user"

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	if hash == OAuthPasswordSentinel {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
