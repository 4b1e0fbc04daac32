package service

// Icon names the artwork for a provider condition code.
type Icon string

const (
	IconStorm     Icon = "storm"
	IconRain      Icon = "rain"
	IconLightRain Icon = "light_rain"
	IconSnow      Icon = "snow"
	IconClouds    Icon = "clouds"
	IconFog       Icon = "fog"
	IconClear     Icon = "clear"
)

// DefaultIconBaseURL hosts art_<icon>.png for every Icon.
const DefaultIconBaseURL = "https://raw.githubusercontent.com/udacity/Sunshine-Version-2/sunshine_master/app/src/main/res/drawable-hdpi/"

// WeatherIcon maps an OpenWeatherMap condition code to an Icon. Every int maps to exactly one Icon.
func WeatherIcon(code int) Icon {
	switch {
	case code >= 200 && code <= 232:
		return IconStorm
	case code >= 501 && code <= 511:
		return IconRain
	case code == 500, code >= 520 && code <= 531:
		return IconLightRain
	case code >= 600 && code <= 622:
		return IconSnow
	case code >= 801 && code <= 804:
		return IconClouds
	case code == 741, code == 761:
		return IconFog
	default:
		return IconClear
	}
}

// IconURL returns the artwork URL for code under base.
func IconURL(base string, code int) string {
	return base + "art_" + string(WeatherIcon(code)) + ".png"
}
