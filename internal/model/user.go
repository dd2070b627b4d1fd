package model

// Profile отображаемые данные пользователя (username, имя, аватар).
type Profile struct {
	ID          string `json:"id" bson:"id"`
	Username    string `json:"username" bson:"username"`
	DisplayName string `json:"display_name,omitempty" bson:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty" bson:"avatar_url,omitempty"`
}

// Name возвращает display name, а если его нет: username.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}
